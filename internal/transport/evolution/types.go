// Package evolution implements a Transport that delivers messages to
// WhatsApp through an Evolution API gateway.
package evolution

// sendTextRequest is the request body for the message/sendText endpoint.
type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// sendMediaRequest is the request body for the message/sendMedia endpoint.
// Media carries the file as standard base64.
type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MIMEType  string `json:"mimetype,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
}

// sendAudioRequest is the request body for the message/sendWhatsAppAudio
// endpoint, which delivers audio as a voice note.
type sendAudioRequest struct {
	Number string `json:"number"`
	Audio  string `json:"audio"`
}

// errorResponse is the error body returned by the gateway. Message is a
// string or a list of strings depending on the failing layer.
type errorResponse struct {
	Status   int    `json:"status"`
	Error    string `json:"error"`
	Response struct {
		Message any `json:"message"`
	} `json:"response"`
}
