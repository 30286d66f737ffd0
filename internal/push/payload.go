package push

import "encoding/json"

// Typed alert discriminators understood by the client app.
const (
	TypeDeleted = "deleted"
	TypeExpired = "expired"
)

// aps is the vendor notification envelope.
type aps struct {
	ContentAvailable int    `json:"content-available,omitempty"`
	Alert            *alert `json:"alert,omitempty"`
	Sound            string `json:"sound,omitempty"`
}

type alert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// payload is the full push body. The routing hash in C is the only
// conversation identifier that ever crosses to the vendor gateway.
type payload struct {
	APS  aps    `json:"aps"`
	C    string `json:"c"`
	Type string `json:"type,omitempty"`
}

// silentPayload wakes the app without a visible alert.
func silentPayload(routingHash string) ([]byte, error) {
	return json.Marshal(payload{
		APS: aps{ContentAvailable: 1},
		C:   routingHash,
	})
}

// typedAlertPayload is an alert carrying a type discriminator, used for
// conversation deletion and expiry.
func typedAlertPayload(routingHash, kind, title, body string) ([]byte, error) {
	return json.Marshal(payload{
		APS:  aps{Alert: &alert{Title: title, Body: body}, Sound: "default"},
		C:    routingHash,
		Type: kind,
	})
}
