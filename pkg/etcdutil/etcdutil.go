// Package etcdutil dials the etcd cluster that guards cluster-wide reboots.
package etcdutil

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/helsinki-systems/fc-nixos/pkg/config"
)

const defaultDialTimeout = 5 * time.Second

// Dial connects to the endpoints of the reboot guard configuration.
func Dial(guard *config.GuardConfig) (*clientv3.Client, error) {
	if guard == nil {
		return nil, errors.New("reboot guard is not configured")
	}
	return DialEndpoints(guard.EtcdEndpoints, guard.EtcdTLS)
}

// DialEndpoints connects to endpoints with optional TLS.
func DialEndpoints(endpoints []string, tlsCfg *config.EtcdTLSConfig) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd requires at least one endpoint")
	}
	cfg := clientv3.Config{
		Endpoints:           endpoints,
		DialTimeout:         defaultDialTimeout,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}
	if tlsCfg != nil && tlsCfg.Enabled {
		info := transport.TLSInfo{
			CertFile:           tlsCfg.CertFile,
			KeyFile:            tlsCfg.KeyFile,
			TrustedCAFile:      tlsCfg.CAFile,
			InsecureSkipVerify: tlsCfg.Insecure,
		}
		clientTLS, err := info.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load etcd tls material: %w", err)
		}
		cfg.TLS = clientTLS
	}
	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return client, nil
}

// Key prefixes key with namespace and normalises slashes.
func Key(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}
