package egdconfig

import (
	"fmt"
	"time"

	"github.com/kluzzebass/egd/internal/source"
)

// ToSources builds the ordered list of source.Source values described by
// doc. Only the JSON-representable fetcher variants (http, file, command)
// can originate here; a program wanting an HTTPDynamic or Callback source
// constructs it directly and appends it after calling ToSources.
func ToSources(doc *Document) ([]*source.Source, error) {
	sources := make([]*source.Source, 0, len(doc.Sources))
	for _, sc := range doc.Sources {
		s, err := toSource(sc)
		if err != nil {
			return nil, fmt.Errorf("egdconfig: source %q: %w", sc.Name, err)
		}
		sources = append(sources, s)
	}
	return sources, nil
}

func toSource(sc SourceConfig) (*source.Source, error) {
	fetcher, err := toFetcher(sc.Fetcher, sc.SizeHint)
	if err != nil {
		return nil, err
	}

	opts := []source.Option{
		source.WithEnabled(sc.Enabled),
	}
	if sc.IntervalS > 0 {
		opts = append(opts, source.WithInterval(time.Duration(sc.IntervalS)*time.Second))
	}
	if sc.InitDelayS > 0 {
		opts = append(opts, source.WithInitDelay(time.Duration(sc.InitDelayS)*time.Second))
	}
	if sc.PrefetchURL != "" {
		opts = append(opts, source.WithPrefetchURL(sc.PrefetchURL))
	}
	if sc.MinSize > 0 {
		opts = append(opts, source.WithMinSize(sc.MinSize))
	}
	if sc.Compress != nil {
		opts = append(opts, source.WithCompress(*sc.Compress))
	}
	if sc.Scale != nil {
		opts = append(opts, source.WithScale(*sc.Scale))
	}

	return source.New(sc.Name, fetcher, opts...)
}

func toFetcher(fc FetcherConfig, sizeHint int64) (source.Fetcher, error) {
	switch fc.Type {
	case "http":
		if fc.URL == "" {
			return nil, fmt.Errorf("http fetcher requires url")
		}
		return &source.HTTPFetcher{URL: fc.URL, SizeHint: sizeHint}, nil
	case "file":
		if fc.Path == "" {
			return nil, fmt.Errorf("file fetcher requires path")
		}
		return &source.FileFetcher{Path: fc.Path, SizeHint: sizeHint}, nil
	case "command":
		if len(fc.Argv) == 0 {
			return nil, fmt.Errorf("command fetcher requires argv")
		}
		return &source.CommandFetcher{Argv: fc.Argv}, nil
	default:
		return nil, fmt.Errorf("unknown fetcher type %q", fc.Type)
	}
}
