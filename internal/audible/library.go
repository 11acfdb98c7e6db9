package audible

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"folio/internal/activation"
	"folio/internal/services"
)

const (
	libraryResponseGroups = "product_desc,product_attrs,media,relationships,is_playable,series"
	itemResponseGroups    = "product_desc,product_attrs,media,relationships"
)

// ListAll walks the library page by page and returns every item. Pagination
// stops on the first empty page or the first page shorter than pageSize;
// items keep their arrival order.
func (c *Client) ListAll(ctx context.Context, pageSize int) ([]Item, error) {
	if pageSize < 1 {
		return nil, services.Wrap(services.ErrValidation, "audible", "list", fmt.Sprintf("page size %d out of range", pageSize), nil)
	}
	record, err := c.sessions.Snapshot()
	if err != nil {
		return nil, err
	}
	base := c.apiBase(record.Domain())

	var items []Item
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("num_results", strconv.Itoa(pageSize))
		query.Set("page", strconv.Itoa(page))
		query.Set("response_groups", libraryResponseGroups)
		query.Set("sort_by", "Title")

		var resp libraryResponse
		endpoint := base + "/1.0/library?" + query.Encode()
		if err := c.getJSON(ctx, "list library", endpoint, &resp); err != nil {
			return nil, err
		}
		if len(resp.Items) == 0 {
			break
		}
		items = append(items, resp.Items...)
		c.logger.Debug("library page fetched", "page", page, "items", len(resp.Items))
		if len(resp.Items) < pageSize {
			break
		}
	}
	return items, nil
}

// Details fetches a single library item with its relationships, which is
// how multi-part books expose their component segments.
func (c *Client) Details(ctx context.Context, asin string) (*Item, error) {
	if asin == "" {
		return nil, services.Wrap(services.ErrValidation, "audible", "details", "empty asin", nil)
	}
	record, err := c.sessions.Snapshot()
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("response_groups", itemResponseGroups)
	endpoint := c.apiBase(record.Domain()) + "/1.0/library/" + url.PathEscape(asin) + "?" + query.Encode()

	var resp itemResponse
	if err := c.getJSON(ctx, "item details", endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.Item.ASIN == "" {
		return nil, &APIError{Operation: "item details", Status: http.StatusOK, Body: "response missing item"}
	}
	return &resp.Item, nil
}

// ActivationBytes returns the 4-byte decryption secret as lowercase hex.
// The extracted value is cached on the session record; force bypasses the
// cache and refetches the blob from the store site.
func (c *Client) ActivationBytes(ctx context.Context, force bool) (string, error) {
	if err := c.sessions.EnsureValid(ctx); err != nil {
		return "", err
	}
	record, err := c.sessions.Snapshot()
	if err != nil {
		return "", err
	}
	if record.ActivationBytes != "" && !force {
		return record.ActivationBytes, nil
	}

	query := url.Values{}
	query.Set("player_manuf", "Audible,iPhone")
	query.Set("action", "register")
	query.Set("player_model", "iPhone")
	endpoint := c.storeBase(record.Domain()) + "/license/token?" + query.Encode()

	req, err := c.NewSignedRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{Operation: "fetch activation blob", Err: err}
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &APIError{Operation: "fetch activation blob", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Operation: "fetch activation blob", Status: resp.StatusCode, Body: string(blob)}
	}

	secret, err := activation.Extract(blob)
	if err != nil {
		return "", err
	}
	if err := c.sessions.SetActivationBytes(secret); err != nil {
		return "", err
	}
	c.logger.Info("activation secret extracted and cached")
	return secret, nil
}

// Deregister drops the device registration server side. With all set, every
// device on the account is deregistered. The local session is untouched;
// callers combine this with Manager.Logout.
func (c *Client) Deregister(ctx context.Context, all bool) error {
	if err := c.sessions.EnsureValid(ctx); err != nil {
		return err
	}
	record, err := c.sessions.Snapshot()
	if err != nil {
		return err
	}

	body := fmt.Sprintf(`{"deregister_all_existing_accounts":%t}`, all)
	endpoint := c.authBase(record.AuthHost()) + "/auth/deregister"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+record.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Operation: "deregister", Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return &APIError{Operation: "deregister", Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
