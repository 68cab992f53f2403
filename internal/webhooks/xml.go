package webhooks

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// Minimal call-control XML builder for the answer callback. It intentionally
// avoids any provider SDK dependency; only the verbs the answer flow needs
// exist here.

type xmlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type xmlRecord struct {
	XMLName   xml.Name `xml:"Record"`
	Action    string   `xml:"action,attr,omitempty"`
	MaxLength int      `xml:"maxLength,attr,omitempty"`
	Redirect  string   `xml:"redirect,attr,omitempty"`
}

type xmlDial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:"Number,omitempty"`
	Sip     *xmlSip  `xml:"Sip,omitempty"`
}

type xmlSip struct {
	URI string `xml:",chardata"`
}

type xmlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// AnswerDecision is what the answer handler decided to do with a live call.
type AnswerDecision struct {
	// Record starts call recording; RecordingCallback receives the artifact.
	Record            bool
	RecordingCallback string

	// ConnectTo bridges the callee to an agent. sip: URIs dial SIP,
	// anything else is treated as a PSTN number. Empty means hang up.
	ConnectTo string
}

func renderAnswerXML(d AnswerDecision) (string, error) {
	var r xmlResponse
	if d.Record {
		r.Verbs = append(r.Verbs, xmlRecord{
			Action:   d.RecordingCallback,
			Redirect: "false",
		})
	}
	switch {
	case d.ConnectTo == "":
		r.Verbs = append(r.Verbs, xmlHangup{})
	case strings.HasPrefix(strings.ToLower(d.ConnectTo), "sip:"):
		r.Verbs = append(r.Verbs, xmlDial{Sip: &xmlSip{URI: d.ConnectTo}})
	default:
		r.Verbs = append(r.Verbs, xmlDial{Number: d.ConnectTo})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
