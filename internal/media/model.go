package media

import "encoding/json"

// Entry maps a remote media URL to its downloaded local file.
type Entry struct {
	URL              string `gorm:"column:url;primaryKey;size:512;not null"`
	LocalPath        string `gorm:"column:local_path;type:text;not null"`
	IsVideo          bool   `gorm:"column:is_video;not null;default:false"`
	ByteSize         int64  `gorm:"column:byte_size;not null;default:0"`
	FetchedAtSeconds int64  `gorm:"column:fetched_at_s;not null;index:idx_media_fetched"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "media_entries"
}

// Manifest keeps the ordered media URL list per entity so a gallery renders
// in source order without re-querying the remote service.
type Manifest struct {
	EntityKind string `gorm:"column:entity_kind;primaryKey;size:32;not null"`
	EntityID   string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	URLsJSON   string `gorm:"column:urls_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Manifest) TableName() string {
	return "media_manifests"
}

// URLs decodes the ordered URL list.
func (m Manifest) URLs() []string {
	var urls []string
	if err := json.Unmarshal([]byte(m.URLsJSON), &urls); err != nil {
		return nil
	}
	return urls
}

func encodeURLs(urls []string) string {
	encoded, _ := json.Marshal(urls)
	return string(encoded)
}
