package network

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramingOverPipe(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	msg, err := NewMessage("TRAVEL_HELLO", map[string]string{"player": "bob"})
	require.NoError(t, err)

	go func() {
		_ = WriteMessage(client, msg)
	}()

	got, err := ReadMessage(server)
	require.NoError(t, err)
	assert.Equal(t, "TRAVEL_HELLO", got.Type)

	var payload map[string]string
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "bob", payload["player"])
}

func TestLengthPrefixIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Type: "X"}))

	n := binary.LittleEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, buf.Len()-4, int(n))
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, MaxMessageSize+1)
	buf.Write(hdr)

	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReadEOFBetweenFrames(t *testing.T) {
	_, err := ReadMessage(&bytes.Buffer{})
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeEmptyPayload(t *testing.T) {
	msg, err := NewMessage("HOST", nil)
	require.NoError(t, err)
	assert.Error(t, msg.Decode(&struct{}{}))
}
