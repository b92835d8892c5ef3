package ai

// Instructions is the system prompt sent with every turn.
const Instructions = `You are a friendly voice concierge embedded in a website.
Answer questions about the page the visitor is looking at and help them find what they need.
Keep replies short and conversational: they are spoken aloud.
If you do not know something, say so instead of guessing.`

// WelcomeMessage is spoken when a visitor first connects.
const WelcomeMessage = "Hi! I'm your site assistant. Ask me anything about this page."

// pageHint returns the extra system context for the visitor's current page.
func pageHint(page string) string {
	if page == "" {
		return ""
	}
	return "\n\nThe visitor is currently viewing: " + page
}
