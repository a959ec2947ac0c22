// Package body renders callback request bodies.
package body

import (
	"errors"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/felipemaragno/callbacks/internal/domain"
)

const (
	MediaTypeJSON = "application/json"
	MediaTypeForm = "application/x-www-form-urlencoded"
)

var errUnbound = errors.New("body parameter is not bound")

// Default serializes the bound body parameter according to the plan's media
// type, falling back to JSON.
type Default struct{}

func NewDefault() *Default {
	return &Default{}
}

func (d *Default) Serialize(ep domain.ExecutionPlan, rc domain.RuntimeContext) (string, []byte, error) {
	contentType := MediaTypeJSON
	if b := ep.Plan.Body(); b != nil && b.MediaType != "" {
		contentType = b.MediaType
	}

	value, ok := rc.Vars().Lookup(ep.BodyParameter)
	if !ok {
		return "", nil, failure(ep.BodyParameter, errUnbound)
	}

	data, err := encode(contentType, value)
	if err != nil {
		return "", nil, failure(ep.BodyParameter, err)
	}
	return contentType, data, nil
}

func failure(subject string, err error) error {
	return &domain.ResolutionError{Reason: domain.ReasonBodySerialization, Subject: subject, Err: err}
}

func encode(contentType string, value any) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("media type %q: %w", contentType, err)
	}

	switch v := value.(type) {
	case json.RawMessage:
		return append([]byte(nil), v...), nil
	case []byte:
		return append([]byte(nil), v...), nil
	}

	switch {
	case isJSON(mediaType):
		return json.Marshal(value)
	case strings.HasPrefix(mediaType, "text/"):
		if value == nil {
			return []byte{}, nil
		}
		return []byte(fmt.Sprint(value)), nil
	case mediaType == MediaTypeForm:
		return encodeForm(value)
	default:
		return nil, fmt.Errorf("cannot encode %T as %s", value, mediaType)
	}
}

func isJSON(mediaType string) bool {
	return mediaType == MediaTypeJSON || strings.HasSuffix(mediaType, "+json")
}

func encodeForm(value any) ([]byte, error) {
	form := url.Values{}
	switch v := value.(type) {
	case url.Values:
		form = v
	case map[string]string:
		for k, s := range v {
			form.Set(k, s)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch item := v[k].(type) {
			case []any:
				for _, e := range item {
					form.Add(k, fmt.Sprint(e))
				}
			case nil:
				form.Set(k, "")
			default:
				form.Set(k, fmt.Sprint(item))
			}
		}
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot encode %T as form", value)
	}
	return []byte(form.Encode()), nil
}
