// Package graph implements a Provider that delivers email through the
// Microsoft Graph draft workflow: create a draft message, attach files to it,
// then send it.
package graph

import "time"

// Message is the Graph message resource as created in the sender's mailbox.
// Recipient lists are always serialized, empty or not.
type Message struct {
	ID            string      `json:"id,omitempty"`
	Subject       string      `json:"subject"`
	Body          ItemBody    `json:"body"`
	From          *Recipient  `json:"from,omitempty"`
	ToRecipients  []Recipient `json:"toRecipients"`
	CcRecipients  []Recipient `json:"ccRecipients"`
	BccRecipients []Recipient `json:"bccRecipients"`
	ReplyTo       []Recipient `json:"replyTo"`
	Importance    Importance  `json:"importance"`
}

// BodyType is the content type of a message body.
type BodyType string

const (
	BodyText BodyType = "text"
	BodyHTML BodyType = "html"
)

// ItemBody is the body of a message.
type ItemBody struct {
	ContentType BodyType `json:"contentType"`
	Content     string   `json:"content"`
}

// Recipient wraps an email address the way Graph expects.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// EmailAddress is a display name and address pair.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Importance is the Graph importance level of a message.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

const fileAttachmentType = "#microsoft.graph.fileAttachment"

// FileAttachment is an attachment posted inline to a message's attachment
// collection. ContentBytes is base64-encoded by encoding/json.
type FileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType,omitempty"`
	ContentBytes []byte `json:"contentBytes"`
}

// AttachmentItem describes a large attachment when requesting an upload session.
type AttachmentItem struct {
	AttachmentType string `json:"attachmentType"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
}

// UploadSession is the resumable upload context returned by createUploadSession.
type UploadSession struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
}

// UploadProgress is the service's answer to one uploaded byte range.
type UploadProgress struct {
	// Complete is set once the service has received every byte.
	Complete           bool
	NextExpectedRanges []string
}

type createUploadSessionRequest struct {
	AttachmentItem AttachmentItem `json:"AttachmentItem"`
}

type uploadRangeResponse struct {
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// errorResponse is the Graph error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
