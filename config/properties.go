package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Property keys read by the bus
const (
	KeyHost           = "messagebus.client.host"
	KeyPort           = "messagebus.client.port"
	KeyUsername       = "messagebus.client.username"
	KeyPassword       = "messagebus.client.password"
	KeyVHost          = "messagebus.client.vhost"
	KeyUseChannelPool = "messagebus.client.useChannelPool"
	KeyExchange       = "messagebus.client.exchange"

	KeyPoolMaxTotal     = "channel.pool.maxTotal"
	KeyPoolMaxIdle      = "channel.pool.maxIdle"
	KeyPoolMaxWait      = "channel.pool.maxWait"
	KeyPoolTestOnBorrow = "channel.pool.testOnBorrow"
	KeyPoolTestOnReturn = "channel.pool.testOnReturn"
)

// Properties is a flat key/value view of a config store. Keys are matched
// case-insensitively.
type Properties map[string]string

// NewProperties copies m with normalized keys
func NewProperties(m map[string]string) Properties {
	p := make(Properties, len(m))
	for k, v := range m {
		p[normalize(k)] = v
	}
	return p
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Get returns the raw value for key
func (p Properties) Get(key string) (string, bool) {
	v, ok := p[normalize(key)]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// String returns the value for key, or def when it is missing
func (p Properties) String(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// Bool returns the value for key parsed as a bool, or def when it is missing
func (p Properties) Bool(key string, def bool) (bool, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %q is not a bool", key, v)
	}
	return b, nil
}

// Int returns the value for key parsed as an int, or def when it is missing
func (p Properties) Int(key string, def int) (int, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

// Clone returns a copy of p
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
