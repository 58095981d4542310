package ingest

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wpparchive/internal/store"
)

// TypeSkip marks payloads that carry no user-visible content.
const TypeSkip = "skip"

// UnsupportedPlaceholder is stored for non-empty payloads no rule recognizes.
const UnsupportedPlaceholder = "[Unsupported message]"

// maxUnwrapDepth bounds recursion through transport wrappers.
const maxUnwrapDepth = 8

// Content is the classified form of a message payload.
type Content struct {
	// Type is a store.Type* value or TypeSkip.
	Type string
	// Text is the extracted text, caption or descriptive string. Empty for
	// media without a caption.
	Text string
	// Media is set for binary types.
	Media *Media
}

// Media describes a downloadable attachment.
type Media struct {
	Source      whatsmeow.DownloadableMessage
	Mimetype    string
	FileName    string
	Placeholder string
}

// Skip reports whether the content should be dropped.
func (c Content) Skip() bool { return c.Type == TypeSkip }

// StoredText returns what goes into messages.content: the text, or the media
// placeholder when there is no caption.
func (c Content) StoredText() string {
	if c.Text != "" {
		return c.Text
	}
	if c.Media != nil {
		return c.Media.Placeholder
	}
	return ""
}

// Unwrap strips view-once, ephemeral, document-with-caption and edit
// envelopes until a content-bearing message remains.
func Unwrap(msg *waE2E.Message) *waE2E.Message {
	for i := 0; i < maxUnwrapDepth && msg != nil; i++ {
		var inner *waE2E.FutureProofMessage
		switch {
		case msg.GetViewOnceMessage() != nil:
			inner = msg.GetViewOnceMessage()
		case msg.GetViewOnceMessageV2() != nil:
			inner = msg.GetViewOnceMessageV2()
		case msg.GetViewOnceMessageV2Extension() != nil:
			inner = msg.GetViewOnceMessageV2Extension()
		case msg.GetEphemeralMessage() != nil:
			inner = msg.GetEphemeralMessage()
		case msg.GetDocumentWithCaptionMessage() != nil:
			inner = msg.GetDocumentWithCaptionMessage()
		case msg.GetEditedMessage() != nil:
			inner = msg.GetEditedMessage()
		default:
			return msg
		}
		if inner.GetMessage() == nil {
			return msg
		}
		msg = inner.GetMessage()
	}
	return msg
}

// Classify maps a payload to its archived type and text.
func Classify(raw *waE2E.Message) Content {
	msg := Unwrap(raw)
	if msg == nil {
		return Content{Type: TypeSkip}
	}

	switch {
	case msg.GetConversation() != "":
		return Content{Type: store.TypeText, Text: msg.GetConversation()}

	case msg.GetExtendedTextMessage() != nil:
		return Content{Type: store.TypeText, Text: msg.GetExtendedTextMessage().GetText()}

	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return mediaContent(store.TypeImage, m.GetCaption(), m, m.GetMimetype(), "", "[Image]")

	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return mediaContent(store.TypeVideo, m.GetCaption(), m, m.GetMimetype(), "", "[Video]")

	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		if m.GetPTT() {
			return mediaContent(store.TypeVoice, "", m, m.GetMimetype(), "", "[Voice message]")
		}
		return mediaContent(store.TypeAudio, "", m, m.GetMimetype(), "", "[Audio]")

	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		text := m.GetCaption()
		if text == "" {
			text = firstNonEmpty(m.GetFileName(), m.GetTitle())
		}
		return mediaContent(store.TypeDocument, text, m, m.GetMimetype(), m.GetFileName(), "[Document]")

	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return mediaContent(store.TypeSticker, "", m, m.GetMimetype(), "", "[Sticker]")

	case msg.GetContactMessage() != nil:
		return Content{Type: store.TypeContact, Text: "[Contact] " + msg.GetContactMessage().GetDisplayName()}

	case msg.GetContactsArrayMessage() != nil:
		arr := msg.GetContactsArrayMessage()
		names := make([]string, 0, len(arr.GetContacts()))
		for _, c := range arr.GetContacts() {
			names = append(names, c.GetDisplayName())
		}
		return Content{Type: store.TypeContacts, Text: fmt.Sprintf("[Contacts] %s", strings.Join(names, ", "))}

	case msg.GetLocationMessage() != nil:
		m := msg.GetLocationMessage()
		return Content{Type: store.TypeLocation, Text: describeLocation("[Location]", firstNonEmpty(m.GetName(), m.GetAddress()), m.GetDegreesLatitude(), m.GetDegreesLongitude())}

	case msg.GetLiveLocationMessage() != nil:
		m := msg.GetLiveLocationMessage()
		return Content{Type: store.TypeLiveLocation, Text: describeLocation("[Live location]", m.GetCaption(), m.GetDegreesLatitude(), m.GetDegreesLongitude())}

	case msg.GetPollCreationMessage() != nil:
		return pollContent(msg.GetPollCreationMessage())
	case msg.GetPollCreationMessageV2() != nil:
		return pollContent(msg.GetPollCreationMessageV2())
	case msg.GetPollCreationMessageV3() != nil:
		return pollContent(msg.GetPollCreationMessageV3())

	case msg.GetButtonsResponseMessage() != nil:
		return Content{Type: store.TypeButtonResponse, Text: msg.GetButtonsResponseMessage().GetSelectedDisplayText()}
	case msg.GetTemplateButtonReplyMessage() != nil:
		return Content{Type: store.TypeButtonResponse, Text: msg.GetTemplateButtonReplyMessage().GetSelectedDisplayText()}

	case msg.GetListResponseMessage() != nil:
		m := msg.GetListResponseMessage()
		return Content{Type: store.TypeListResponse, Text: firstNonEmpty(m.GetTitle(), m.GetSingleSelectReply().GetSelectedRowID())}
	}

	if metadataOnly(msg) {
		return Content{Type: TypeSkip}
	}
	return Content{Type: store.TypeUnknown, Text: UnsupportedPlaceholder}
}

// metadataOnly reports whether nothing but reactions, key distribution,
// protocol or context-info fields remain.
func metadataOnly(msg *waE2E.Message) bool {
	rest := proto.Clone(msg).(*waE2E.Message)
	rest.ReactionMessage = nil
	rest.EncReactionMessage = nil
	rest.SenderKeyDistributionMessage = nil
	rest.FastRatchetKeySenderKeyDistributionMessage = nil
	rest.ProtocolMessage = nil
	rest.MessageContextInfo = nil
	if rest.GetConversation() == "" {
		rest.Conversation = nil
	}
	return proto.Size(rest) == 0
}

func mediaContent(typ, text string, src whatsmeow.DownloadableMessage, mimetype, fileName, placeholder string) Content {
	return Content{
		Type: typ,
		Text: text,
		Media: &Media{
			Source:      src,
			Mimetype:    mimetype,
			FileName:    fileName,
			Placeholder: placeholder,
		},
	}
}

func pollContent(p *waE2E.PollCreationMessage) Content {
	opts := make([]string, 0, len(p.GetOptions()))
	for _, o := range p.GetOptions() {
		opts = append(opts, o.GetOptionName())
	}
	text := "[Poll] " + p.GetName()
	if len(opts) > 0 {
		text += ": " + strings.Join(opts, " / ")
	}
	return Content{Type: store.TypePoll, Text: text}
}

func describeLocation(prefix, label string, lat, lng float64) string {
	s := prefix
	if label != "" {
		s += " " + label
	}
	return fmt.Sprintf("%s (%.6f, %.6f)", s, lat, lng)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
