package searchapi

// ResultType distinguishes how a search result is fetched.
type ResultType string

const (
	ResultTypeMagnet ResultType = "magnet"
	ResultTypeDirect ResultType = "direct"
)

// Result is one record from a federated search. The client consumes only
// the locator and display fields; ranking and indexer-specific parsing are
// owned by the search service.
type Result struct {
	Title       string            `json:"title"`
	DownloadURL string            `json:"download_url"`
	Type        ResultType        `json:"download_type"`
	InfoHash    string            `json:"info_hash,omitempty"`
	Size        string            `json:"size,omitempty"`
	SizeBytes   int64             `json:"size_bytes,omitempty"`
	Seeders     int               `json:"seeders,omitempty"`
	Leechers    int               `json:"leechers,omitempty"`
	Category    string            `json:"category,omitempty"`
	Source      string            `json:"source,omitempty"`
	PublishDate string            `json:"publish_date,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// HealthStatus is the search service's own view of its indexers.
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "down"
	HealthyCount  int    `json:"healthy_count"`
	TotalIndexers int    `json:"total_indexers"`
	Uptime        string `json:"uptime,omitempty"`
	CacheEnabled  bool   `json:"cache_enabled,omitempty"`
}

// Stats carries server statistics for the dashboard's server panel.
type Stats struct {
	Version   string `json:"version,omitempty"`
	MemoryMB  int    `json:"memory_mb,omitempty"`
	CacheSize int    `json:"cache_size,omitempty"`
}

// Indexer describes one upstream indexer known to the search service.
type Indexer struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// DirectSource carries a resolved direct-download location.
type DirectSource struct {
	DownloadURL string `json:"download_url"`
	Mirror      string `json:"mirror,omitempty"`
	Source      string `json:"source,omitempty"`
	Cached      bool   `json:"cached,omitempty"`
}

// URL returns the usable locator from a resolved source.
func (d *DirectSource) URL() string {
	if d.DownloadURL != "" {
		return d.DownloadURL
	}
	return d.Mirror
}
