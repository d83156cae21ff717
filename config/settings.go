package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/glimte/mbus-go/pool"
)

// ErrInvalidSettings is matched by every settings parse or validation failure
var ErrInvalidSettings = errors.New("config: invalid settings")

// DefaultExchange receives produced messages when no exchange is configured
const DefaultExchange = "exchange.proxy"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Settings are the typed bus settings read from a store
type Settings struct {
	Host     string `validate:"required"`
	Port     int    `validate:"gte=1,lte=65535"`
	Username string
	Password string
	VHost    string

	// Exchange is where producers publish
	Exchange string

	// UseChannelPool selects a bounded channel pool; otherwise every
	// operation opens and closes its own channel
	UseChannelPool bool
	Pool           pool.Config
}

// DefaultSettings returns the settings used for missing keys
func DefaultSettings() Settings {
	return Settings{
		Host:     "localhost",
		Port:     5672,
		Username: "guest",
		Password: "guest",
		VHost:    "/",
		Exchange: DefaultExchange,
		Pool:     pool.DefaultConfig(),
	}
}

// ParseSettings reads and validates settings from p. A host given as a full
// amqp:// URL also sets the credentials, port and vhost.
func ParseSettings(p Properties) (Settings, error) {
	s := DefaultSettings()
	var errs []error

	s.Host = p.String(KeyHost, s.Host)
	s.Username = p.String(KeyUsername, s.Username)
	s.Password = p.String(KeyPassword, s.Password)
	s.VHost = p.String(KeyVHost, s.VHost)
	s.Exchange = p.String(KeyExchange, s.Exchange)

	var err error
	if s.Port, err = p.Int(KeyPort, s.Port); err != nil {
		errs = append(errs, err)
	}
	if s.UseChannelPool, err = p.Bool(KeyUseChannelPool, s.UseChannelPool); err != nil {
		errs = append(errs, err)
	}
	if s.Pool.MaxTotal, err = p.Int(KeyPoolMaxTotal, s.Pool.MaxTotal); err != nil {
		errs = append(errs, err)
	}
	if s.Pool.MaxIdle, err = p.Int(KeyPoolMaxIdle, s.Pool.MaxIdle); err != nil {
		errs = append(errs, err)
	}
	maxWait, err := p.Int(KeyPoolMaxWait, int(s.Pool.MaxWait/time.Millisecond))
	if err != nil {
		errs = append(errs, err)
	}
	s.Pool.MaxWait = time.Duration(maxWait) * time.Millisecond
	if s.Pool.TestOnBorrow, err = p.Bool(KeyPoolTestOnBorrow, s.Pool.TestOnBorrow); err != nil {
		errs = append(errs, err)
	}
	if s.Pool.TestOnReturn, err = p.Bool(KeyPoolTestOnReturn, s.Pool.TestOnReturn); err != nil {
		errs = append(errs, err)
	}

	if strings.Contains(s.Host, "://") {
		if err := s.applyURL(s.Host); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", KeyHost, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("%s: unsupported scheme %q", KeyHost, u.Scheme)
	}

	s.Host = u.Hostname()
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s: bad port %q", KeyHost, port)
		}
		s.Port = n
	}
	if u.User != nil {
		s.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			s.Password = pw
		}
	}
	if vhost := strings.TrimPrefix(u.Path, "/"); vhost != "" {
		s.VHost = vhost
	}
	return nil
}

// Validate checks the settings and the pool configuration
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// URL returns the AMQP URL for the settings
func (s Settings) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
	}
	if s.Username != "" {
		u.User = url.UserPassword(s.Username, s.Password)
	}
	if s.VHost != "" && s.VHost != "/" {
		u.Path = "/" + s.VHost
	} else {
		u.Path = "/"
	}
	return u.String()
}
