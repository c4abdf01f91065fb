package extractor

import (
	"strings"

	"github.com/goodtune/mediabadge/internal/storage"
)

// Registry is an ordered list of platform records. The first match wins.
type Registry struct {
	configs []Config
}

// NewRegistry builds a registry from configs in priority order.
func NewRegistry(configs ...Config) *Registry {
	return &Registry{configs: append([]Config(nil), configs...)}
}

// DefaultRegistry returns the built-in platforms.
func DefaultRegistry() *Registry {
	return NewRegistry(builtins()...)
}

// WithCustomSites returns a registry with user sites appended after the
// existing records. r is not modified.
func (r *Registry) WithCustomSites(sites []storage.CustomSite) *Registry {
	configs := append([]Config(nil), r.configs...)
	for _, site := range sites {
		if cfg, ok := CustomConfig(site); ok {
			configs = append(configs, cfg)
		}
	}
	return &Registry{configs: configs}
}

// Match returns the record for url, or nil.
func (r *Registry) Match(url string) *Config {
	for i := range r.configs {
		if r.configs[i].Matches(url) {
			cfg := r.configs[i]
			return &cfg
		}
	}
	return nil
}

// Platforms lists the registered platform names.
func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.configs))
	for _, c := range r.configs {
		names = append(names, c.Platform)
	}
	return names
}

// CustomConfig converts a user-added site into a record.
func CustomConfig(site storage.CustomSite) (Config, bool) {
	pattern := strings.TrimSpace(site.Pattern)
	if pattern == "" || !site.MediaType.Valid() {
		return Config{}, false
	}

	titles := []string{"h1", "title"}
	if site.TitleSelector != "" {
		titles = append([]string{site.TitleSelector}, titles...)
	}

	var progress []string
	if site.ProgressSelector != "" {
		progress = []string{site.ProgressSelector}
	}

	return Config{
		Platform:          "custom:" + pattern,
		MediaType:         site.MediaType,
		URLPatterns:       []string{pattern},
		TitleSelectors:    titles,
		ProgressSelectors: progress,
		MediaSelector:     "video, audio",
	}, true
}

func builtins() []Config {
	return []Config{
		{
			Platform:          "youtube",
			MediaType:         storage.MediaVideo,
			URLPatterns:       []string{"youtube.com/watch", "youtu.be/"},
			TitleSelectors:    []string{"h1.ytd-watch-metadata yt-formatted-string", "h1.title", `meta[name="title"]`},
			ProgressSelectors: []string{".ytp-play-progress"},
			MediaSelector:     "video",
		},
		{
			Platform:          "netflix",
			MediaType:         storage.MediaMovie,
			URLPatterns:       []string{"netflix.com/watch"},
			TitleSelectors:    []string{`[data-uia="video-title"]`, ".video-title h4", "title"},
			ProgressSelectors: []string{`[data-uia="timeline-bar"] .current-progress`},
			MediaSelector:     "video",
			SeriesMarkers:     []string{"episode", "season"},
			SeriesMediaType:   storage.MediaTVShow,
		},
		{
			Platform:          "primevideo",
			MediaType:         storage.MediaMovie,
			URLPatterns:       []string{"primevideo.com/detail", "amazon.com/gp/video"},
			TitleSelectors:    []string{".atvwebplayersdk-title-text", "h1"},
			ProgressSelectors: []string{".atvwebplayersdk-seekbar-range"},
			MediaSelector:     "video",
		},
		{
			Platform:          "crunchyroll",
			MediaType:         storage.MediaAnime,
			URLPatterns:       []string{"crunchyroll.com/watch"},
			TitleSelectors:    []string{".erc-current-media-info h1", "h1.title"},
			ProgressSelectors: []string{".playback-progress"},
			MediaSelector:     "video",
		},
		{
			Platform:          "kindle",
			MediaType:         storage.MediaBook,
			URLPatterns:       []string{"read.amazon.com"},
			TitleSelectors:    []string{".kr-title", "#kindleReader_title", "title"},
			ProgressSelectors: []string{".kr-progress-bar .fill", "#kindleReader_sliderFill"},
		},
		{
			Platform:          "mangadex",
			MediaType:         storage.MediaManga,
			URLPatterns:       []string{"mangadex.org/chapter"},
			TitleSelectors:    []string{".reader--header-title", "title"},
			ProgressSelectors: []string{".reader-progress .fill"},
		},
	}
}
