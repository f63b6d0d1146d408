// Package protocol decodes the agent wire protocol: JSON control frames sent
// as WebSocket text messages, each artifact announce followed by exactly one
// binary message with the artifact bytes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/artifact"
)

var (
	ErrMalformed       = errors.New("protocol: malformed frame")
	ErrUnknownFrame    = errors.New("protocol: unknown frame type")
	ErrUnexpectedFrame = errors.New("protocol: unexpected frame")
	ErrDesync          = errors.New("protocol: announce replaced before its payload arrived")
	ErrOrphanPayload   = errors.New("protocol: binary payload without announce")
)

// Wire type tags.
const (
	TypeAuth      = "auth"
	TypeMetadata  = "metadata"
	TypeVideoData = "video_data"
)

// Frame is a decoded control frame: Auth or Announce.
type Frame interface {
	frame()
}

// Auth opens a session.
type Auth struct {
	APIKey   string
	StaffID  string
	Name     string
	Division string
}

// Announce describes the binary payload that follows it.
type Announce struct {
	Kind       artifact.Kind
	CapturedAt string
	// SubjectID is whatever the agent declared, if anything. Sessions attribute
	// artifacts to the authenticated subject regardless.
	SubjectID      string
	Filename       string
	ActivityStatus string
}

func (Auth) frame()     {}
func (Announce) frame() {}

type envelope struct {
	Type           string  `json:"type"`
	APIKey         string  `json:"api_key"`
	StaffID        string  `json:"staff_id"`
	Name           string  `json:"name"`
	Division       string  `json:"division"`
	Timestamp      *string `json:"timestamp"`
	VideoFile      string  `json:"video_file"`
	ActivityStatus string  `json:"activity_status"`
}

// Decode parses one text message into a Frame. Announce frames must carry a
// string timestamp; its value is not otherwise checked here.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeAuth:
		return Auth{
			APIKey:   env.APIKey,
			StaffID:  env.StaffID,
			Name:     env.Name,
			Division: env.Division,
		}, nil
	case TypeMetadata, TypeVideoData:
		if env.Timestamp == nil || *env.Timestamp == "" {
			return nil, fmt.Errorf("%w: %s frame without timestamp", ErrMalformed, env.Type)
		}
		a := Announce{
			Kind:           artifact.KindImage,
			CapturedAt:     *env.Timestamp,
			SubjectID:      env.StaffID,
			ActivityStatus: env.ActivityStatus,
		}
		if env.Type == TypeVideoData {
			a.Kind = artifact.KindVideo
			a.Filename = env.VideoFile
		}
		return a, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}

// AuthResponse is the only message the collector ever sends.
type AuthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	StatusAuthenticated = "authenticated"
	StatusError         = "error"
)

func Authenticated() AuthResponse {
	return AuthResponse{Status: StatusAuthenticated, Message: "Authentication successful"}
}

func Rejected(msg string) AuthResponse {
	return AuthResponse{Status: StatusError, Message: msg}
}
