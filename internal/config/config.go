// Package config loads the YAML configuration file. Every recognised option
// is required; a missing or unparseable option is a fatal startup error
// naming the offending section and key.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig tags all configuration failures so the entrypoint can
// exit with the dedicated status code.
var ErrInvalidConfig = errors.New("invalid config file")

// Config is the full option schema.
type Config struct {
	ControlServer struct {
		IP   string
		Port uint16
	}
	Listen struct {
		IP                     string
		Port                   uint16
		ReuseAddress           bool
		SeparateAcceptorThread bool
	}
	Networking struct {
		SocketCloseLinger        bool
		SocketCloseLingerTimeout uint
		MaxConnectionsPerSource  uint
	}
	Concurrency struct {
		NumWorkers          int
		MaxNumWorkers       int
		NumThreadsPerWorker int
	}
	Sessions struct {
		MaxSessionPoolSize int
		MaxTransferSize    int
		EagerSessionPool   bool
	}
	Logging struct {
		HeaderInterval uint
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var doc map[string]map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := &Config{}
	var firstErr error
	read := func(section, key string, out any) {
		if firstErr != nil {
			return
		}
		node, ok := doc[section][key]
		if !ok {
			firstErr = fmt.Errorf("%w: missing option %s.%s", ErrInvalidConfig, section, key)
			return
		}
		if err := node.Decode(out); err != nil {
			firstErr = fmt.Errorf("%w: option %s.%s: %v", ErrInvalidConfig, section, key, err)
		}
	}

	read("control_server", "ip", &cfg.ControlServer.IP)
	read("control_server", "port", &cfg.ControlServer.Port)

	read("listen", "ip", &cfg.Listen.IP)
	read("listen", "port", &cfg.Listen.Port)
	read("listen", "reuse_address", &cfg.Listen.ReuseAddress)
	read("listen", "separate_acceptor_thread", &cfg.Listen.SeparateAcceptorThread)

	read("networking", "socket_close_linger", &cfg.Networking.SocketCloseLinger)
	read("networking", "socket_close_linger_timeout", &cfg.Networking.SocketCloseLingerTimeout)
	read("networking", "max_connections_per_source", &cfg.Networking.MaxConnectionsPerSource)

	read("concurrency", "num_workers", &cfg.Concurrency.NumWorkers)
	read("concurrency", "max_num_workers", &cfg.Concurrency.MaxNumWorkers)
	read("concurrency", "num_threads_per_worker", &cfg.Concurrency.NumThreadsPerWorker)

	read("sessions", "max_session_pool_size", &cfg.Sessions.MaxSessionPoolSize)
	read("sessions", "max_transfer_size", &cfg.Sessions.MaxTransferSize)
	read("sessions", "eager_session_pool", &cfg.Sessions.EagerSessionPool)

	read("logging", "header_interval", &cfg.Logging.HeaderInterval)

	if firstErr != nil {
		return nil, firstErr
	}
	return cfg, nil
}
