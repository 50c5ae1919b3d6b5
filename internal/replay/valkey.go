package replay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	TLS       RedisTLSConfig
	KeyPrefix string
	TTL       time.Duration
}

type valkeyStore struct {
	client valkey.Client
	prefix string
	ttl    time.Duration
}

// NewRedis records identifiers in Redis (or Valkey) with SET NX PX so every
// gateway instance shares one replay window.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("replay: redis address required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = Window(DefaultAccessExpiry, DefaultWriteExpiry)
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("replay: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("replay: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("replay: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("replay: redis ping: %w", err)
	}

	return &valkeyStore{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

func (s *valkeyStore) Record(ctx context.Context, jti string) (bool, error) {
	cmd := s.client.B().Set().Key(s.prefix + jti).Value("1").Nx().Px(s.ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("replay: redis set: %w", err)
	}
	return true, nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
