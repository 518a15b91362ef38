package strategy

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xobi667/xiaobaibai/internal/providers/chatapi"
)

var (
	dataURIRe     = regexp.MustCompile(`data:image/[^;]+;base64,([A-Za-z0-9+/=]+)`)
	markdownImgRe = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^\s)]+)\)`)
	bareImgURLRe  = regexp.MustCompile(`(?i)(https?://[^\s)\]]+\.(?:png|jpg|jpeg|gif|webp|bmp)(?:\?[^\s)\]]*)?)`)
)

// extractImage scans a conversational completion for an image payload.
// Encodings are tried in fixed priority order: inline embedded data, a
// data-URI in a content part or text field, a markdown image link requiring
// a secondary fetch, then a bare image URL. The first candidate that yields
// decodable bytes wins.
func extractImage(ctx context.Context, msg *chatapi.Message, fetch func(context.Context, string) ([]byte, error), logger zerolog.Logger) ([]byte, error) {
	for _, data := range msg.InlineImages {
		if validateImage(data) == nil {
			return data, nil
		}
		logger.Warn().Msg("strategy: skipping undecodable inline image part")
	}

	for _, part := range msg.Parts {
		if part.Type != "image_url" {
			continue
		}
		if data, ok := decodeDataURI(part.ImageURL); ok {
			return data, nil
		}
	}

	text := msg.Text
	if text == "" {
		for _, part := range msg.Parts {
			if part.Text != "" {
				text += part.Text + "\n"
			}
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("completion carried no image payload")
	}

	if m := dataURIRe.FindStringSubmatch(text); len(m) == 2 {
		if data, err := base64.StdEncoding.DecodeString(m[1]); err == nil && validateImage(data) == nil {
			return data, nil
		}
		logger.Warn().Msg("strategy: data uri in completion text did not decode")
	}

	if m := markdownImgRe.FindStringSubmatch(text); len(m) == 2 {
		if data, err := fetchValidated(ctx, fetch, m[1]); err == nil {
			return data, nil
		} else {
			logger.Warn().Err(err).Str("url", m[1]).Msg("strategy: markdown image link fetch failed")
		}
	}

	if m := bareImgURLRe.FindStringSubmatch(text); len(m) == 2 {
		if data, err := fetchValidated(ctx, fetch, m[1]); err == nil {
			return data, nil
		} else {
			logger.Warn().Err(err).Str("url", m[1]).Msg("strategy: bare image url fetch failed")
		}
	}

	return nil, errors.New("completion carried no decodable image payload")
}

func decodeDataURI(uri string) ([]byte, bool) {
	m := dataURIRe.FindStringSubmatch(uri)
	if len(m) != 2 {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil || validateImage(data) != nil {
		return nil, false
	}
	return data, true
}

func fetchValidated(ctx context.Context, fetch func(context.Context, string) ([]byte, error), url string) ([]byte, error) {
	data, err := fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := validateImage(data); err != nil {
		return nil, err
	}
	return data, nil
}
