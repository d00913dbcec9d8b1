// Package view derives renderable state from a voice session snapshot. It holds no
// state of its own.
package view

import (
	"fmt"
	"strings"

	"voice-companion/pkg/voice"
)

// Action is the command a control issues when pressed.
type Action string

const (
	ActionNone  Action = ""
	ActionStart Action = "start"
	ActionStop  Action = "stop"
	ActionMute  Action = "toggle_mute"
)

// Colors used by the call control.
const (
	ColorBlue = "blue"
	ColorRed  = "red"
)

// Mic icons.
const (
	IconMicOn  = "/icons/mic-on.svg"
	IconMicOff = "/icons/mic-off.svg"
)

// Alignment of a transcript line.
type Alignment string

const (
	AlignStart Alignment = "start"
	AlignEnd   Alignment = "end"
)

// Identity names the two participants of a session.
type Identity struct {
	CompanionName string `json:"companion_name"`
	UserName      string `json:"user_name"`
	UserImage     string `json:"user_image,omitempty"`
}

// IdentityFrom extracts the participants from an assistant configuration.
func IdentityFrom(cfg voice.AssistantConfig) Identity {
	return Identity{
		CompanionName: cfg.CompanionName,
		UserName:      cfg.UserName,
		UserImage:     cfg.UserImage,
	}
}

// CallButton is the start/stop control.
type CallButton struct {
	Label   string `json:"label"`
	Color   string `json:"color"`
	Pulsing bool   `json:"pulsing"`
	Action  Action `json:"action,omitempty"`
}

// MicButton is the mute control.
type MicButton struct {
	Icon     string `json:"icon"`
	Label    string `json:"label"`
	Disabled bool   `json:"disabled"`
	Action   Action `json:"action,omitempty"`
}

// Avatar is the companion portrait area.
type Avatar struct {
	SubjectIcon        string `json:"subject_icon"`
	SubjectIconVisible bool   `json:"subject_icon_visible"`
	SoundwaveVisible   bool   `json:"soundwave_visible"`
	SoundwavePlaying   bool   `json:"soundwave_playing"`
}

// Line is one rendered transcript entry.
type Line struct {
	Sequence uint64    `json:"sequence"`
	Speaker  string    `json:"speaker"`
	Content  string    `json:"content"`
	Align    Alignment `json:"align"`
}

// View is everything needed to render a session.
type View struct {
	Revision  uint64           `json:"revision"`
	Status    voice.CallStatus `json:"status"`
	Companion string           `json:"companion"`
	User      string           `json:"user"`
	UserImage string           `json:"user_image,omitempty"`
	Avatar    Avatar           `json:"avatar"`
	Call      CallButton       `json:"call"`
	Mic       MicButton        `json:"mic"`
	Lines     []Line           `json:"lines"`
}

// Project derives the view for s. Equal inputs yield equal views.
func Project(s voice.Snapshot, id Identity) View {
	active := s.Status == voice.StatusActive

	v := View{
		Revision:  s.Revision,
		Status:    s.Status,
		Companion: id.CompanionName,
		User:      id.UserName,
		UserImage: id.UserImage,
		Avatar: Avatar{
			SubjectIcon:        SubjectIcon(s.Assistant.Subject),
			SubjectIconVisible: !active,
			SoundwaveVisible:   active,
			SoundwavePlaying:   active && s.Speaking,
		},
		Call:  callButton(s.Status),
		Mic:   micButton(s.Status, s.Muted),
		Lines: make([]Line, 0, len(s.Transcript)),
	}

	assistant := AssistantSpeaker(id.CompanionName)
	for _, entry := range s.Transcript {
		line := Line{Sequence: entry.Sequence, Content: entry.Content}
		if entry.Role == voice.RoleAssistant {
			line.Speaker = assistant
			line.Align = AlignStart
		} else {
			line.Speaker = id.UserName
			line.Align = AlignEnd
		}
		v.Lines = append(v.Lines, line)
	}
	return v
}

func callButton(status voice.CallStatus) CallButton {
	switch status {
	case voice.StatusActive:
		return CallButton{Label: "End Session", Color: ColorRed, Action: ActionStop}
	case voice.StatusConnecting:
		return CallButton{Label: "Connecting...", Color: ColorBlue, Pulsing: true}
	default:
		return CallButton{Label: "Start Session", Color: ColorBlue, Action: ActionStart}
	}
}

func micButton(status voice.CallStatus, muted bool) MicButton {
	b := MicButton{Icon: IconMicOn, Label: "Mute"}
	if muted {
		b.Icon = IconMicOff
		b.Label = "Unmute"
	}
	if status == voice.StatusActive {
		b.Action = ActionMute
	} else {
		b.Disabled = true
	}
	return b
}

// AssistantSpeaker is the label shown for assistant lines: the first word of the
// companion name without periods or commas.
func AssistantSpeaker(companionName string) string {
	first, _, _ := strings.Cut(companionName, " ")
	return strings.NewReplacer(".", "", ",", "").Replace(first)
}

// SubjectIcon returns the icon path for a subject.
func SubjectIcon(subject string) string {
	if subject == "" {
		return ""
	}
	return fmt.Sprintf("/icons/%s.svg", subject)
}
