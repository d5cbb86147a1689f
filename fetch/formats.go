package fetch

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/logger"
)

// Format is one downloadable rendition reported by the tool.
type Format struct {
	ID             string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Resolution     string  `json:"resolution,omitempty"`
	FormatNote     string  `json:"format_note,omitempty"`
	FPS            float64 `json:"fps,omitempty"`
	VideoCodec     string  `json:"vcodec,omitempty"`
	AudioCodec     string  `json:"acodec,omitempty"`
	Filesize       int64   `json:"filesize,omitempty"`
	FilesizeApprox int64   `json:"filesize_approx,omitempty"`
	TBR            float64 `json:"tbr,omitempty"`
	Protocol       string  `json:"protocol,omitempty"`
}

type mediaInfo struct {
	Title   string   `json:"title"`
	Formats []Format `json:"formats"`
}

// ListFormats returns the formats available for url. Playlists print one
// JSON document per entry; their formats are concatenated.
func (inv *Invoker) ListFormats(ctx context.Context, url string) ([]Format, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.NewInvalidRequestError("link is required")
	}

	args := []string{"--no-warnings", "--skip-download", "--dump-json"}
	stdout, stderr, err := inv.invoke(ctx, inv.withCommonArgs(args, url))
	if err != nil {
		res := failure(ReasonToolFailed, err, stdout, stderr)
		return nil, errors.WithDetailf(errors.Wrap(ErrToolFailed, res.Diagnostics()), "url: %s", url)
	}

	formats, err := decodeFormats(stdout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode format listing for %s", url)
	}

	inv.logger.Debugw("Listed formats", logger.FieldURL, url, logger.FieldCount, len(formats))
	return formats, nil
}

func decodeFormats(stdout string) ([]Format, error) {
	formats := make([]Format, 0)
	dec := json.NewDecoder(strings.NewReader(stdout))
	for {
		var info mediaInfo
		err := dec.Decode(&info)
		if err == io.EOF {
			return formats, nil
		}
		if err != nil {
			return nil, err
		}
		formats = append(formats, info.Formats...)
	}
}
