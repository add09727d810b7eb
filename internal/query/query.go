// Package query resolves free-text searches into direct media URLs via the
// image/gif provider APIs.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/logger"
)

// resolveFunc turns a query into a direct media URL for one provider.
type resolveFunc func(ctx context.Context, query string) (string, error)

// Registry routes provider names to their API clients. A provider spec may
// chain alternatives with "|"; the first one that yields a URL wins.
type Registry struct {
	store     *config.Store
	client    *http.Client
	log       *logger.Logger
	providers map[string]resolveFunc
}

// NewRegistry builds the provider registry. A nil client gets a default with
// a short timeout, since these are small JSON APIs.
func NewRegistry(store *config.Store, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	r := &Registry{
		store:  store,
		client: client,
		log:    logger.Default().WithComponent("query"),
	}
	r.providers = map[string]resolveFunc{
		"tenor":    r.tenor,
		"unsplash": r.unsplash,
		"lexica":   r.lexica,
		"waifu":    r.waifu,
	}
	return r
}

// Resolve tries each provider in the chain until one produces a URL.
func (r *Registry) Resolve(ctx context.Context, provider, query string) (string, error) {
	var lastErr error
	for _, name := range strings.Split(provider, "|") {
		name = strings.TrimSpace(name)
		fn, ok := r.providers[name]
		if !ok {
			lastErr = apperrors.BadRequest("unknown provider " + name)
			continue
		}
		u, err := fn(ctx, query)
		if err != nil {
			lastErr = err
			r.log.Debug(ctx, "provider failed, trying next", map[string]interface{}{
				"provider": name,
			})
			continue
		}
		return u, nil
	}
	if lastErr == nil {
		lastErr = apperrors.BadRequest("no provider given")
	}
	return "", lastErr
}

func (r *Registry) tenor(ctx context.Context, query string) (string, error) {
	key := r.store.Snapshot().Providers.TenorKey
	if key == "" {
		return "", apperrors.BadRequest("tenor is not configured")
	}

	v := url.Values{}
	v.Set("q", query)
	v.Set("key", key)
	v.Set("limit", "20")
	v.Set("media_filter", "gif")

	var out struct {
		Results []struct {
			MediaFormats map[string]struct {
				URL string `json:"url"`
			} `json:"media_formats"`
		} `json:"results"`
	}
	if err := r.getJSON(ctx, "tenor", "https://tenor.googleapis.com/v2/search?"+v.Encode(), nil, &out); err != nil {
		return "", err
	}
	if len(out.Results) == 0 {
		return "", apperrors.QueryError("tenor", "no results for "+query)
	}
	pick := out.Results[rand.Intn(len(out.Results))]
	if gif, ok := pick.MediaFormats["gif"]; ok && gif.URL != "" {
		return gif.URL, nil
	}
	return "", apperrors.QueryError("tenor", "result missing gif url")
}

func (r *Registry) unsplash(ctx context.Context, query string) (string, error) {
	key := r.store.Snapshot().Providers.UnsplashKey
	if key == "" {
		return "", apperrors.BadRequest("unsplash is not configured")
	}

	v := url.Values{}
	v.Set("query", query)

	var out struct {
		URLs struct {
			Regular string `json:"regular"`
		} `json:"urls"`
	}
	headers := map[string]string{"Authorization": "Client-ID " + key}
	if err := r.getJSON(ctx, "unsplash", "https://api.unsplash.com/photos/random?"+v.Encode(), headers, &out); err != nil {
		return "", err
	}
	if out.URLs.Regular == "" {
		return "", apperrors.QueryError("unsplash", "no results for "+query)
	}
	return out.URLs.Regular, nil
}

func (r *Registry) lexica(ctx context.Context, query string) (string, error) {
	base := r.store.Snapshot().Providers.LexicaBaseURL

	var out struct {
		Images []struct {
			Src string `json:"src"`
		} `json:"images"`
	}
	if err := r.getJSON(ctx, "lexica", base+"/search?q="+url.QueryEscape(query), nil, &out); err != nil {
		return "", err
	}
	if len(out.Images) == 0 {
		return "", apperrors.QueryError("lexica", "no results for "+query)
	}
	return out.Images[rand.Intn(len(out.Images))].Src, nil
}

// waifu ignores the query; the provider serves random images by tag.
func (r *Registry) waifu(ctx context.Context, _ string) (string, error) {
	base := r.store.Snapshot().Providers.WaifuBaseURL

	var out struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := r.getJSON(ctx, "waifu", base+"/search?included_tags=waifu", nil, &out); err != nil {
		return "", err
	}
	if len(out.Images) == 0 || out.Images[0].URL == "" {
		return "", apperrors.QueryError("waifu", "empty response")
	}
	return out.Images[0].URL, nil
}

func (r *Registry) getJSON(ctx context.Context, provider, rawURL string, headers map[string]string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return apperrors.QueryError(provider, "building request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return apperrors.QueryError(provider, "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.QueryError(provider, fmt.Sprintf("returned %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return apperrors.QueryError(provider, "unreadable response").WithCause(err)
	}
	return nil
}
