// Package types holds the core data model shared by every layer of the
// webapi: object metadata records, storage node records, and the path
// normalization and classification rules of the hierarchical namespace.
package types

import (
	"time"
)

// EntryType classifies a metadata record.
type EntryType string

const (
	TypeDirectory EntryType = "directory"
	TypeObject    EntryType = "object"
	TypeLink      EntryType = "link"

	// TypeNone is the sentinel for a missing index entry. The envelope
	// represents "not found" as a record with Type == TypeNone rather
	// than an error so guard ordering stays uniform.
	TypeNone EntryType = ""
)

// Shark identifies one storage node holding a replica of an object.
type Shark struct {
	Datacenter string `json:"datacenter"`
	StorageID  string `json:"storage_id"`
}

// StorageNode is a storage node record as discovered from the node
// directory. AvailableBytes drives placement; PercentUsed gates
// eligibility against the utilization ceilings.
type StorageNode struct {
	StorageID      string    `json:"storage_id"       mapstructure:"storage_id"      yaml:"storage_id"`
	Datacenter     string    `json:"datacenter"       mapstructure:"datacenter"      yaml:"datacenter"`
	AvailableBytes int64     `json:"available_bytes"  mapstructure:"available_bytes" yaml:"available_bytes"`
	PercentUsed    int       `json:"percent_used"     mapstructure:"percent_used"    yaml:"percent_used"`
	LastHeartbeat  time.Time `json:"last_heartbeat"   mapstructure:"-"               yaml:"-"`
}

// ObjectMetadata is the unit stored in the metadata index.
//
// Etag is the index's opaque optimistic-concurrency token; it is distinct
// from the user-visible HTTP Etag (which is the ObjectID).
type ObjectMetadata struct {
	Key                string            `json:"key"`
	Owner              string            `json:"owner"`
	Creator            string            `json:"creator,omitempty"`
	Type               EntryType         `json:"type"`
	ObjectID           string            `json:"object_id"`
	ContentLength      int64             `json:"content_length"`
	ContentMD5         string            `json:"content_md5,omitempty"`
	ContentType        string            `json:"content_type,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	Sharks             []Shark           `json:"sharks,omitempty"`
	Mtime              int64             `json:"mtime"` // milliseconds since epoch
	Headers            map[string]string `json:"headers,omitempty"`
	Roles              []string          `json:"roles,omitempty"`
	Etag               string            `json:"_etag,omitempty"`
	SinglePath         bool              `json:"single_path,omitempty"`
}

// Exists reports whether the record represents a real index entry.
func (m *ObjectMetadata) Exists() bool {
	return m != nil && m.Type != TypeNone
}

// IsDirectory reports whether the record is a directory.
func (m *ObjectMetadata) IsDirectory() bool {
	return m != nil && m.Type == TypeDirectory
}

// IsObject reports whether the record is an object (links count: a link
// shares the referenced object's bytes and is served the same way).
func (m *ObjectMetadata) IsObject() bool {
	return m != nil && (m.Type == TypeObject || m.Type == TypeLink)
}

// Parent returns the dirname of the record's key.
func (m *ObjectMetadata) Parent() string {
	return ParentOf(m.Key)
}

// Durability is the replica count recorded for the object.
func (m *ObjectMetadata) Durability() int {
	if len(m.Sharks) == 0 {
		// Zero-byte objects and directories carry no sharks.
		return 0
	}
	return len(m.Sharks)
}

// Missing returns the sentinel record for a key that has no index entry.
func Missing(key string) *ObjectMetadata {
	return &ObjectMetadata{Key: key, Type: TypeNone}
}
