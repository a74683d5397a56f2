package agent

import (
	"encoding/json"
	"fmt"

	"github.com/fairwaylabs/rezgate/courses"
	"github.com/fairwaylabs/rezgate/dispatch"
	"github.com/fairwaylabs/rezgate/types"
)

// Tool names exposed to the model.
const (
	ToolGetReservations  = "get_reservations"
	ToolSearchTeeTimes   = "search_tee_times"
	ToolBookTeeTime      = "book_tee_time"
	ToolGetWeather       = "get_weather"
	ToolSendNotification = "send_notification"
)

// Toolset maps the model's tool calls onto dispatched actions using the
// course catalog. The actions themselves run in an external worker; this
// service only builds and publishes the work orders.
type Toolset struct {
	catalog *courses.Catalog
}

// NewToolset builds the toolset over a course catalog.
func NewToolset(catalog *courses.Catalog) *Toolset {
	return &Toolset{catalog: catalog}
}

// Schemas returns the tool definitions sent with every inference request.
func (t *Toolset) Schemas() []types.ToolSchema {
	courseIDs, _ := json.Marshal(t.catalog.IDs())
	courseEnum := string(courseIDs)

	return []types.ToolSchema{
		{
			Name:        ToolGetReservations,
			Description: "Look up the user's existing tee time reservations.",
			Parameters: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"course_id": {"type": "string", "enum": %s},
					"player_name": {"type": "string", "description": "Name the reservation was made under"}
				},
				"required": ["player_name"]
			}`, courseEnum)),
		},
		{
			Name:        ToolSearchTeeTimes,
			Description: "Search open tee times at a course for a given date.",
			Parameters: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"course_id": {"type": "string", "enum": %s},
					"date": {"type": "string", "description": "Date to search, YYYY-MM-DD"},
					"earliest": {"type": "string", "description": "Earliest acceptable time, HH:MM"},
					"latest": {"type": "string", "description": "Latest acceptable time, HH:MM"},
					"players": {"type": "integer", "minimum": 1, "maximum": 4}
				},
				"required": ["date"]
			}`, courseEnum)),
		},
		{
			Name:        ToolBookTeeTime,
			Description: "Book a specific tee time. Confirm the details with the user before calling this.",
			Parameters: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"course_id": {"type": "string", "enum": %s},
					"date": {"type": "string", "description": "YYYY-MM-DD"},
					"time": {"type": "string", "description": "HH:MM"},
					"players": {"type": "integer", "minimum": 1, "maximum": 4},
					"player_name": {"type": "string"}
				},
				"required": ["date", "time", "players", "player_name"]
			}`, courseEnum)),
		},
		{
			Name:        ToolGetWeather,
			Description: "Get the weather forecast for a course.",
			Parameters: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"course_id": {"type": "string", "enum": %s},
					"date": {"type": "string", "description": "YYYY-MM-DD"}
				}
			}`, courseEnum)),
		},
		{
			Name:        ToolSendNotification,
			Description: "Send the user a notification outside the chat, for example a booking confirmation.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string"}
				},
				"required": ["message"]
			}`),
		},
	}
}

// actionPayload is the work order published for web actions. The worker
// echoes tool_call_id in its response so results can be matched back to
// the call that requested them.
type actionPayload struct {
	Action     string          `json:"action"`
	ToolCallID string          `json:"tool_call_id"`
	Course     actionCourse    `json:"course"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type actionCourse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Timezone        string `json:"timezone,omitempty"`
	BookingURL      string `json:"booking_url,omitempty"`
	ReservationsURL string `json:"reservations_url,omitempty"`
	TeeSheetURL     string `json:"tee_sheet_url,omitempty"`
	WeatherGridURL  string `json:"weather_grid_url,omitempty"`
	TokenURL        string `json:"token_url,omitempty"`
	JWKSURL         string `json:"jwks_url,omitempty"`
	SecretName      string `json:"secret_name,omitempty"`
}

// notifyPayload is the work order for outbound notifications.
type notifyPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Message    string `json:"message"`
}

// BuildAction converts a tool call into a bus message type and payload.
// Unknown tools are an error; the model is only offered the schemas above,
// so anything else indicates a hallucinated call.
func (t *Toolset) BuildAction(call types.ToolCall) (dispatch.MessageType, json.RawMessage, error) {
	switch call.Name {
	case ToolGetReservations, ToolSearchTeeTimes, ToolBookTeeTime, ToolGetWeather:
		course, err := t.resolveCourse(call.Arguments)
		if err != nil {
			return "", nil, err
		}
		payload, err := json.Marshal(actionPayload{
			Action:     call.Name,
			ToolCallID: call.ID,
			Course:     course,
			Params:     call.Arguments,
		})
		if err != nil {
			return "", nil, fmt.Errorf("encode action payload: %w", err)
		}
		return dispatch.MessageTypeWebAction, payload, nil

	case ToolSendNotification:
		var args struct {
			Message string `json:"message"`
		}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return "", nil, fmt.Errorf("parse notification arguments: %w", err)
			}
		}
		payload, err := json.Marshal(notifyPayload{
			ToolCallID: call.ID,
			Message:    args.Message,
		})
		if err != nil {
			return "", nil, fmt.Errorf("encode notification payload: %w", err)
		}
		return dispatch.MessageTypeNotify, payload, nil

	default:
		return "", nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

// IsAsync reports whether a tool's result comes back through the response
// queue. Notifications are fire-and-forget.
func (t *Toolset) IsAsync(name string) bool {
	return name != ToolSendNotification
}

// resolveCourse picks the course from the arguments, defaulting when the
// model omitted it.
func (t *Toolset) resolveCourse(args json.RawMessage) (actionCourse, error) {
	var sel struct {
		CourseID string `json:"course_id"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &sel); err != nil {
			return actionCourse{}, fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	course := t.catalog.Default()
	if sel.CourseID != "" {
		c, ok := t.catalog.Get(sel.CourseID)
		if !ok {
			return actionCourse{}, fmt.Errorf("unknown course %q", sel.CourseID)
		}
		course = c
	}

	return actionCourse{
		ID:              course.ID,
		Name:            course.Name,
		Timezone:        course.Timezone,
		BookingURL:      course.URLs.Booking,
		ReservationsURL: course.URLs.Reservations,
		TeeSheetURL:     course.URLs.TeeSheet,
		WeatherGridURL:  course.URLs.WeatherGrid,
		TokenURL:        course.Auth.TokenURL,
		JWKSURL:         course.Auth.JWKSURL,
		SecretName:      course.Auth.SecretName,
	}, nil
}
