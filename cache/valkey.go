package cache

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Valkey is a Store backed by a Valkey (open-source Redis) instance so
// cached responses survive restarts and are shared across gateway
// replicas.
type Valkey struct {
	client valkey.Client
}

func NewValkey(client valkey.Client) *Valkey {
	return &Valkey{client: client}
}

func (v *Valkey) Get(ctx context.Context, key string) ([]byte, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return resp.AsBytes()
}

func (v *Valkey) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return v.client.Do(
		ctx, v.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Ex(ttl).
			Build(),
	).Error()
}

func (v *Valkey) Delete(ctx context.Context, key string) error {
	return v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
}
