package data

import (
	"time"

	"CreditLane/internal/conf"
	"CreditLane/pkg/vector"

	"github.com/go-kratos/kratos/v2/log"
)

// NewVectorStoreClient creates the HTTP client for the primary vector
// store, honoring the optional proxy from configuration. A missing URL
// is not fatal: writes then always take the fallback path and the
// reconciliation job reports the store as unreachable.
func NewVectorStoreClient(c *conf.Sync, logger log.Logger) (*vector.Client, error) {
	helper := log.NewHelper(logger)

	url := ""
	proxyURL := ""
	if c != nil {
		url = c.VectorStoreURL
		proxyURL = c.ProxyURL
	}
	if url == "" {
		helper.Warn("vector store URL is empty, using loopback placeholder (all calls will fail fast)")
		url = "http://127.0.0.1:1"
	}

	client, err := vector.NewClient(url, proxyURL, 10*time.Second)
	if err != nil {
		return nil, err
	}

	helper.Infof("vector store client ready: %s", url)
	return client, nil
}
