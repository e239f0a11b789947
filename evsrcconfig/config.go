// Package evsrcconfig defines the typed configuration the engine and
// its CLI are constructed from, following the donor's
// FileStoreConfig/azsessions.Config pattern of a plain struct plus a
// CheckAndSetDefaults method rather than a generic options bag.
package evsrcconfig

import "fmt"

// Backend selects which objstore.Backend implementation the engine runs
// against.
type Backend string

const (
	// BackendAzure talks to a live Azure Storage account.
	BackendAzure Backend = "azure"
	// BackendLocal emulates the same contract on the local filesystem.
	BackendLocal Backend = "local"
)

// Config is the full set of recognized configuration keys for this
// module: container naming, blob sizing and the connection-pool limit,
// plus backend selection and the chosen backend's location.
type Config struct {
	// ContainerName is the lowercase tail of the container; the engine
	// prefixes it with "evsrc".
	ContainerName string

	// BlobNumPages is the initial page-count a stream blob is
	// provisioned with. Defaults to 8 (4096 bytes), enough headroom for
	// a handful of small commits before the first resize.
	BlobNumPages int

	// ParallelConnectionLimit is set into the object-store connection
	// pool at first Initialize().
	ParallelConnectionLimit int

	// Backend selects which objstore.Backend implementation to build.
	Backend Backend

	// DataDir is the local backend's filesystem root. Required when
	// Backend == BackendLocal, ignored otherwise.
	DataDir string

	// AzureServiceURL is the Azure Storage account blob service
	// endpoint. Required when Backend == BackendAzure, ignored
	// otherwise.
	AzureServiceURL string
}

// CheckAndSetDefaults validates c and fills in defaults for any field
// the caller left zero-valued. It mutates c in place and returns an
// error if a required field is missing or invalid.
func (c *Config) CheckAndSetDefaults() error {
	if c.ContainerName == "" {
		return fmt.Errorf("evsrcconfig: container_name is required")
	}
	if c.BlobNumPages <= 0 {
		c.BlobNumPages = 8
	}
	if c.ParallelConnectionLimit <= 0 {
		c.ParallelConnectionLimit = 32
	}

	switch c.Backend {
	case BackendAzure:
		if c.AzureServiceURL == "" {
			return fmt.Errorf("evsrcconfig: azure_service_url is required for backend %q", c.Backend)
		}
	case BackendLocal:
		if c.DataDir == "" {
			return fmt.Errorf("evsrcconfig: data_dir is required for backend %q", c.Backend)
		}
	case "":
		c.Backend = BackendLocal
		if c.DataDir == "" {
			c.DataDir = "./evsrc-data"
		}
	default:
		return fmt.Errorf("evsrcconfig: unknown backend %q", c.Backend)
	}

	return nil
}
