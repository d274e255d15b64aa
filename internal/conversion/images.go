package conversion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxImageBytes bounds a single downloaded image.
const maxImageBytes = 50 << 20

var payloadKeys = []string{"data", "content", "base64", "b64"}

type imageObject struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// decodeImages reads the images object keeping response order. Entries that
// cannot be decoded are skipped.
func (c *Client) decodeImages(ctx context.Context, raw json.RawMessage) ([]Image, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, nil
	}

	var images []Image
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return images, nil
		}
		key, _ := keyTok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return images, nil
		}

		img, err := c.decodeImage(ctx, key, value)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn().Str("image", key).Err(err).Msg("Skipping undecodable image")
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

func (c *Client) decodeImage(ctx context.Context, key string, value json.RawMessage) (Image, error) {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		data, err := decodeBase64(s)
		if err != nil {
			return Image{}, err
		}
		return Image{Name: imageName(key), Data: data}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(value, &fields); err != nil {
		return Image{}, fmt.Errorf("unsupported image value")
	}
	var obj imageObject
	_ = json.Unmarshal(value, &obj)
	name := imageName(firstNonEmpty(obj.Filename, key))

	for _, k := range payloadKeys {
		var payload string
		if err := json.Unmarshal(fields[k], &payload); err == nil && payload != "" {
			data, err := decodeBase64(payload)
			if err != nil {
				return Image{}, err
			}
			return Image{Name: name, Data: data}, nil
		}
	}
	if obj.URL != "" {
		data, err := c.download(ctx, obj.URL)
		if err != nil {
			return Image{}, err
		}
		return Image{Name: name, Data: data}, nil
	}
	return Image{}, fmt.Errorf("image object has no payload or url")
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

// decodeBase64 accepts standard or URL-safe base64, padded or not, optionally
// wrapped in a data URL.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 payload")
}

func imageName(name string) string {
	if !strings.Contains(name, ".") {
		return name + ".png"
	}
	return name
}
