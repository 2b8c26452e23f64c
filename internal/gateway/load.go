package gateway

import (
	"encoding/json"
	"fmt"
	"os"
)

// DirectoryFile is the on-disk shape of the network endpoint list the
// server loads at startup.
type DirectoryFile struct {
	DefaultBatchLimit int `json:"defaultBatchLimit,omitempty"`
	PrefixLimits      []struct {
		Prefix string `json:"prefix"`
		Limit  int    `json:"limit"`
	} `json:"prefixLimits,omitempty"`
	Gateways []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		QueryURL     string `json:"queryUrl"`
		RetrievalURL string `json:"retrievalUrl"`
		BatchLimit   int    `json:"batchLimit,omitempty"`
	} `json:"gateways"`
}

// LoadDirectoryFile reads a JSON endpoint list and builds the directory
// and per-gateway batch-limit table from it.
func LoadDirectoryFile(path string) (*StaticDirectory, *LimitTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read gateway directory: %w", err)
	}
	var file DirectoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse gateway directory %s: %w", path, err)
	}

	dir := NewStaticDirectory()
	var opts []LimitOption
	if file.DefaultBatchLimit > 0 {
		opts = append(opts, WithDefaultLimit(file.DefaultBatchLimit))
	}
	for _, p := range file.PrefixLimits {
		opts = append(opts, WithPrefixLimit(p.Prefix, p.Limit))
	}
	for _, g := range file.Gateways {
		if g.ID == "" {
			return nil, nil, fmt.Errorf("gateway directory %s: entry with empty id", path)
		}
		dir.Add(Entry{ID: g.ID, Name: g.Name, QueryURL: g.QueryURL, RetrievalURL: g.RetrievalURL})
		if g.BatchLimit > 0 {
			opts = append(opts, WithGatewayLimit(g.ID, g.BatchLimit))
		}
	}
	return dir, NewLimitTable(opts...), nil
}
