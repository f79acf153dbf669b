package server

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"duplex-rpc/codec"
)

// Config is the file/flag form of the server options.
type Config struct {
	Port              int    `long:"port" ini-name:"port" default:"7070" description:"TCP port to listen on"`
	CallTimeoutMillis int    `long:"call-timeout" ini-name:"call_timeout_ms" default:"30000" description:"timeout of server-to-client calls in milliseconds"`
	BackoffMillis     int    `long:"backoff" ini-name:"backoff_ms" default:"1000" description:"delay before rebinding after an accept failure in milliseconds"`
	Codec             string `long:"codec" ini-name:"codec" default:"msgpack" description:"payload codec (json, binary, msgpack, proto)"`
	WorkerPoolSize    int    `long:"workers" ini-name:"workers" description:"size of the shared dispatch pool; 0 serves each client serially"`
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("server: port %d out of range", c.Port)
	}
	if c.CallTimeoutMillis < 0 {
		return errors.Errorf("server: negative call timeout %d", c.CallTimeoutMillis)
	}
	if c.BackoffMillis < 0 {
		return errors.Errorf("server: negative backoff %d", c.BackoffMillis)
	}
	if c.WorkerPoolSize < 0 {
		return errors.Errorf("server: negative worker pool size %d", c.WorkerPoolSize)
	}
	if c.Codec != "" {
		if _, err := codec.ParseCodecType(c.Codec); err != nil {
			return errors.WithMessage(err, "server")
		}
	}
	return nil
}

// Addr is the listen address for Port on all interfaces.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// CallTimeout returns the configured timeout, 30s when unset.
func (c *Config) CallTimeout() time.Duration {
	if c.CallTimeoutMillis == 0 {
		return 30000 * time.Millisecond
	}
	return time.Duration(c.CallTimeoutMillis) * time.Millisecond
}

// Options converts c into server options. c must be valid.
func (c *Config) Options() []Option {
	opts := []Option{WithCallTimeout(c.CallTimeout())}
	if c.BackoffMillis > 0 {
		opts = append(opts, WithBackoff(time.Duration(c.BackoffMillis)*time.Millisecond))
	}
	if c.WorkerPoolSize > 0 {
		opts = append(opts, WithWorkerPool(c.WorkerPoolSize))
	}
	if c.Codec != "" {
		if t, err := codec.ParseCodecType(c.Codec); err == nil {
			opts = append(opts, WithCodec(codec.GetCodec(t)))
		}
	}
	return opts
}
