package server

import (
	cmp "maragu.dev/gomponents"
	"maragu.dev/gomponents/components"
	g "maragu.dev/gomponents/html"
)

// WelcomePage is served to plain HTTP visitors of the relay.
func WelcomePage() cmp.Node {
	return components.HTML5(components.HTML5Props{
		Title:    "Notification relay",
		Language: "en",
		Body: []cmp.Node{
			g.H1(cmp.Text("Notification relay")),
			g.P(cmp.Text("This server relays notifications to signed-in users over a WebSocket.")),
			g.P(
				cmp.Text("Clients connect to "),
				g.Code(cmp.Text("/ws")),
				cmp.Text(" and authenticate with their session id."),
			),
		},
	})
}
