package kvstore

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several Springboard instances can share one Redis server.
//
// Key pattern: springboard:{instance_name}:{entity}
// Channel pattern: springboard:{instance_name}:{event_type}_events

// KVHashKey returns the Redis key of the hash holding every KV entry.
// Pattern: springboard:{instance_name}:kv
func KVHashKey(instanceName string) string {
	return fmt.Sprintf("springboard:%s:kv", instanceName)
}

// KVEventsChannel returns the Pub/Sub channel carrying KV writes.
// Pattern: springboard:{instance_name}:kv_events
func KVEventsChannel(instanceName string) string {
	return fmt.Sprintf("springboard:%s:kv_events", instanceName)
}
