package kv

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore implements Store on top of an etcd cluster. Queues are modelled
// as sequence-keyed entries under a queue prefix, TTLs as leases, and
// channels as short-lived keys observed through etcd watches.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
	seq    atomic.Uint64
}

// channel keys only need to live long enough for watchers to observe the put.
const channelTTL = 60 * time.Second

// NewEtcdStore creates a new etcd-backed store with DSN parsing
func NewEtcdStore(dsn string) (*EtcdStore, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")

	return &EtcdStore{
		client: client,
		prefix: dsnPrefix(dsn),
	}, nil
}

// Close closes the etcd client connection
func (s *EtcdStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// key applies the DSN keyspace prefix to a logical key.
func (s *EtcdStore) key(k string) string {
	if s.prefix == "/" || s.prefix == "" {
		return k
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + k
}

func (s *EtcdStore) stripPrefix(k string) string {
	if s.prefix == "/" || s.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, strings.TrimSuffix(s.prefix, "/")+"/")
}

// Get retrieves a single key from etcd
func (s *EtcdStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return "", false, nil // Key not found
	}

	return string(resp.Kvs[0].Value), true, nil
}

// Put stores a key-value pair in etcd with indefinite retention
func (s *EtcdStore) Put(ctx context.Context, key, value string) error {
	resp, err := s.client.Put(ctx, s.key(key), value)
	if err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
	}).Debug("Put key to etcd")

	return nil
}

// PutTTL stores a key-value pair that expires after ttl, using an etcd lease
func (s *EtcdStore) PutTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("failed to grant lease for key %s: %w", key, err)
	}

	if _, err := s.client.Put(ctx, s.key(key), value, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put key %s with lease: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key": key,
		"ttl": ttl,
	}).Debug("Put key to etcd with TTL")

	return nil
}

// Delete removes a key from etcd
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	resp, err := s.client.Delete(ctx, s.key(key))
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key":     key,
		"deleted": resp.Deleted,
	}).Debug("Deleted key from etcd")

	return nil
}

// List returns all key-value pairs under the given prefix
func (s *EtcdStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := s.client.Get(ctx, s.key(prefix), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys under %s: %w", prefix, err)
	}

	pairs := make(map[string]string, len(resp.Kvs))
	for _, kvp := range resp.Kvs {
		pairs[s.stripPrefix(string(kvp.Key))] = string(kvp.Value)
	}

	return pairs, nil
}

// nextSeqKey builds a lexicographically increasing member key for a queue or
// channel. Time-ordered across restarts, counter-ordered within a process.
func (s *EtcdStore) nextSeqKey(prefix string) string {
	return fmt.Sprintf("%s/%020d-%06d", prefix, time.Now().UnixNano(), s.seq.Add(1))
}

// RPush appends a value to the tail of the named queue
func (s *EtcdStore) RPush(ctx context.Context, queue, value string) error {
	key := s.nextSeqKey(s.key("queue/" + queue))
	if _, err := s.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", queue, err)
	}
	return nil
}

// LPop removes and returns the head of the named queue. When multiple
// consumers race, the entry is claimed with a delete-if-unmodified
// transaction and the loser moves on to the next head.
func (s *EtcdStore) LPop(ctx context.Context, queue string) (string, bool, error) {
	prefix := s.key("queue/"+queue) + "/"

	for {
		resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
			clientv3.WithLimit(1))
		if err != nil {
			return "", false, fmt.Errorf("failed to read queue %s: %w", queue, err)
		}

		if len(resp.Kvs) == 0 {
			return "", false, nil // Queue is empty
		}

		head := resp.Kvs[0]
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(head.Key)), "=", head.ModRevision)).
			Then(clientv3.OpDelete(string(head.Key))).
			Commit()
		if err != nil {
			return "", false, fmt.Errorf("failed to claim queue head %s: %w", queue, err)
		}

		if txn.Succeeded {
			return string(head.Value), true, nil
		}

		logrus.WithField("queue", queue).Debug("Queue head claimed by another consumer, retrying")
	}
}

// QueueLen returns the current depth of the named queue
func (s *EtcdStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	resp, err := s.client.Get(ctx, s.key("queue/"+queue)+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, fmt.Errorf("failed to count queue %s: %w", queue, err)
	}
	return resp.Count, nil
}

// Publish sends a message on the named channel by writing a short-lived key
// that subscribers observe through a watch
func (s *EtcdStore) Publish(ctx context.Context, channel, message string) error {
	key := s.nextSeqKey(s.key("pubsub/" + channel))

	lease, err := s.client.Grant(ctx, int64(channelTTL/time.Second))
	if err != nil {
		return fmt.Errorf("failed to grant lease for channel %s: %w", channel, err)
	}

	if _, err := s.client.Put(ctx, key, message, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to publish on channel %s: %w", channel, err)
	}

	logrus.WithField("channel", channel).Debug("Published message")
	return nil
}

// Subscribe registers a handler for the named channel. Delivery is
// at-most-once: messages published while the watch is re-establishing after
// a disconnect are not replayed.
func (s *EtcdStore) Subscribe(ctx context.Context, channel string, handler func(message string)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watchChan := s.client.Watch(watchCtx, s.key("pubsub/"+channel)+"/", clientv3.WithPrefix())

	logrus.WithField("channel", channel).Info("Subscribed to channel")

	go func() {
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				logrus.WithError(err).WithField("channel", channel).Warn("Channel watch error")
				continue
			}
			for _, event := range resp.Events {
				if event.Type == clientv3.EventTypePut {
					handler(string(event.Kv.Value))
				}
			}
		}
	}()

	return cancel, nil
}

// Ping verifies connectivity to the store
func (s *EtcdStore) Ping(ctx context.Context) error {
	if _, err := s.client.Get(ctx, s.key("healthcheck")); err != nil {
		return fmt.Errorf("etcd ping failed: %w", err)
	}
	return nil
}

// parseEtcdDSN parses etcd DSN format: etcd://[user:password@]host1:port1[,host2:port2]/[prefix]?param=value
func parseEtcdDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return nil, fmt.Errorf("etcd DSN is required")
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	// Extract endpoints from host part
	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379" // Default etcd port
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	// Extract username and password if provided
	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		if username != "" {
			config.Username = username
		}
		if password != "" {
			config.Password = password
		}
	}

	// Parse query parameters
	params := u.Query()

	if timeout := params.Get("dial_timeout"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.DialTimeout = d
		}
	}

	if username := params.Get("username"); username != "" {
		config.Username = username
	}

	if password := params.Get("password"); password != "" {
		config.Password = password
	}

	if tlsParam := params.Get("tls"); tlsParam == "enabled" {
		// Basic TLS config - in production this should be more sophisticated
		config.TLS = &tls.Config{
			InsecureSkipVerify: true, // For development - should be configurable
		}
	}

	return config, nil
}

// dsnPrefix extracts the keyspace prefix from the etcd DSN path
func dsnPrefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return "/"
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return "/"
	}

	if u.Path == "" {
		return "/"
	}

	return u.Path
}
