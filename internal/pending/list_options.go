package pending

import "strings"

// ListOptions controls how pending records are selected when listing.
type ListOptions struct {
	Limit      int
	Statuses   []Status
	Network    string
	SourceTool string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	opts.Network = strings.TrimSpace(opts.Network)
	opts.SourceTool = strings.TrimSpace(opts.SourceTool)
}

// Matches reports whether the entry passes the status, network and tool filters.
func (opts ListOptions) Matches(e Entry) bool {
	if opts.Network != "" && e.Network != opts.Network {
		return false
	}
	if opts.SourceTool != "" && e.SourceTool != opts.SourceTool {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, s := range opts.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStatuses filters records by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithNetwork filters records staged for one network.
func WithNetwork(network string) ListOption {
	return func(opts *ListOptions) {
		opts.Network = network
	}
}

// WithSourceTool filters records by the operation that staged them.
func WithSourceTool(tool string) ListOption {
	return func(opts *ListOptions) {
		opts.SourceTool = tool
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
