package attach

import (
	"regexp"
	"strings"
)

// videoLinkPattern accepts the canonical long-form (`watch?v=`), short-form
// (`youtu.be/`), shorts, and embed path variants, with or without scheme and
// www/m subdomains. Detection is deliberately permissive: a false positive
// degrades to a link the model can still read, a false negative drops
// context.
var videoLinkPattern = regexp.MustCompile(`(?i)^(?:https?://)?(?:www\.|m\.)?(?:youtube\.com/(?:watch\?(?:[^#\s]*&)?v=|shorts/|embed/|live/)[\w-]+|youtu\.be/[\w-]+)`)

// IsVideoLink reports whether a URI looks like an external-platform video
// link that should travel as a reference instead of inlined bytes.
func IsVideoLink(uri string) bool {
	return videoLinkPattern.MatchString(strings.TrimSpace(uri))
}
