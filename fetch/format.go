package fetch

import "strings"

// Default quality selectors applied when a request leaves them empty
const (
	DefaultVideoQuality = "bestvideo"
	DefaultAudioQuality = "bestaudio"
)

// FormatSelector builds the degrading fallback chain passed to -f:
// combined video+audio, then video only, then audio only, then best.
// Empty selectors drop out of the chain.
//
//	FormatSelector("bestvideo", "bestaudio") == "bestvideo+bestaudio/bestvideo/bestaudio/best"
//	FormatSelector("", "bestaudio")          == "bestaudio/best"
func FormatSelector(video, audio string) string {
	video = strings.TrimSpace(video)
	audio = strings.TrimSpace(audio)

	chain := make([]string, 0, 4)
	add := func(s string) {
		for _, existing := range chain {
			if existing == s {
				return
			}
		}
		chain = append(chain, s)
	}

	if video != "" && audio != "" {
		add(video + "+" + audio)
	}
	if video != "" {
		add(video)
	}
	if audio != "" {
		add(audio)
	}
	add("best")

	return strings.Join(chain, "/")
}
