package zotero

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"refsearch/internal/ingest"
)

const defaultBaseURL = "https://api.zotero.org"

// listPageSize is the Zotero API maximum per page.
const listPageSize = 100

// maxAttachmentBytes bounds a single PDF download.
const maxAttachmentBytes = 64 << 20

// Client reads a Zotero library over its web API. It implements
// ingest.Provider.
type Client struct {
	apiKey    string
	libraryID string
	client    *http.Client
	baseURL   string
}

func NewClient(libraryID, apiKey string) *Client {
	return &Client{
		libraryID: libraryID,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 60 * time.Second},
		baseURL:   defaultBaseURL,
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimSuffix(url, "/")
}

type itemCreator struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Name      string `json:"name"`
}

type itemData struct {
	Key              string        `json:"key"`
	ItemType         string        `json:"itemType"`
	Title            string        `json:"title"`
	Creators         []itemCreator `json:"creators"`
	Date             string        `json:"date"`
	PublicationTitle string        `json:"publicationTitle"`
	DOI              string        `json:"DOI"`
	URL              string        `json:"url"`
	AbstractNote     string        `json:"abstractNote"`
	DateModified     string        `json:"dateModified"`
}

type itemLinks struct {
	Attachment struct {
		Href           string `json:"href"`
		AttachmentType string `json:"attachmentType"`
	} `json:"attachment"`
}

type item struct {
	Data  itemData  `json:"data"`
	Links itemLinks `json:"links"`
}

// ListRecords pages through the library's top-level items, newest first.
// Attachment and note items are excluded at the API level. max caps the
// total returned, 0 means the whole library.
func (c *Client) ListRecords(ctx context.Context, max int) ([]ingest.SourceRecord, error) {
	var records []ingest.SourceRecord
	start := 0
	for {
		limit := listPageSize
		if max > 0 && max-len(records) < limit {
			limit = max - len(records)
		}
		if limit <= 0 {
			break
		}

		url := fmt.Sprintf("%s/users/%s/items?format=json&itemType=-attachment%%20%%7C%%7C%%20-note&sort=dateModified&limit=%d&start=%d",
			c.baseURL, c.libraryID, limit, start)
		var (
			page  []item
			total int
		)
		if err := c.getJSON(ctx, url, &page, &total); err != nil {
			return nil, err
		}

		for _, it := range page {
			records = append(records, toRecord(it))
		}
		start += len(page)

		if len(page) < limit || (total > 0 && start >= total) {
			break
		}
		if max > 0 && len(records) >= max {
			break
		}
	}
	return records, nil
}

// FetchFullText reads the indexed full text for an item. A missing index
// entry is not an error; it returns empty text so the caller can fall back
// to the PDF attachment.
func (c *Client) FetchFullText(ctx context.Context, key string) (string, error) {
	url := fmt.Sprintf("%s/users/%s/items/%s/fulltext", c.baseURL, c.libraryID, key)
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("zotero api error: %d", resp.StatusCode)
	}

	var result struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Content, nil
}

// DownloadAttachment fetches an attachment's file content.
func (c *Client) DownloadAttachment(ctx context.Context, key string) ([]byte, error) {
	url := fmt.Sprintf("%s/users/%s/items/%s/file", c.baseURL, c.libraryID, key)
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zotero api error: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
}

func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Zotero-API-Key", c.apiKey)
	req.Header.Set("Zotero-API-Version", "3")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}, total *int) error {
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("zotero api error: %d", resp.StatusCode)
	}
	if total != nil {
		if n, err := strconv.Atoi(resp.Header.Get("Total-Results")); err == nil {
			*total = n
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toRecord(it item) ingest.SourceRecord {
	d := it.Data
	rec := ingest.SourceRecord{
		Key:      d.Key,
		Title:    d.Title,
		Date:     d.Date,
		Venue:    d.PublicationTitle,
		DOI:      d.DOI,
		URL:      d.URL,
		ItemType: d.ItemType,
		Abstract: d.AbstractNote,
	}
	for _, creator := range d.Creators {
		rec.Creators = append(rec.Creators, creatorName(creator))
	}
	if modified, err := time.Parse(time.RFC3339, d.DateModified); err == nil {
		rec.Modified = modified
	}
	if href := it.Links.Attachment.Href; href != "" && it.Links.Attachment.AttachmentType == "application/pdf" {
		parts := strings.Split(strings.TrimSuffix(href, "/"), "/")
		rec.AttachmentKey = parts[len(parts)-1]
	}
	return rec
}

func creatorName(c itemCreator) string {
	if c.Name != "" {
		return c.Name
	}
	if c.LastName != "" && c.FirstName != "" {
		return c.LastName + ", " + c.FirstName
	}
	if c.LastName != "" {
		return c.LastName
	}
	return c.FirstName
}
