package travel

import (
	"fmt"
	"strings"
)

// URL is a travel destination: a map path plus "?key[=value]" options.
type URL struct {
	Map     string
	Options map[string]string
}

// Listen reports whether the URL asks the host to open a listen endpoint.
func (u URL) Listen() bool {
	_, ok := u.Options["listen"]
	return ok
}

func (u URL) String() string {
	var sb strings.Builder
	sb.WriteString(u.Map)
	for k, v := range u.Options {
		sb.WriteByte('?')
		sb.WriteString(k)
		if v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// ParseURL splits "/Game/Maps/Lobby?listen?game=ffa" into map and options.
func ParseURL(raw string) (URL, error) {
	parts := strings.Split(raw, "?")
	if parts[0] == "" {
		return URL{}, fmt.Errorf("travel url %q: missing map", raw)
	}
	u := URL{Map: parts[0], Options: make(map[string]string)}
	for _, opt := range parts[1:] {
		if opt == "" {
			continue
		}
		k, v, _ := strings.Cut(opt, "=")
		u.Options[strings.ToLower(k)] = v
	}
	return u, nil
}
