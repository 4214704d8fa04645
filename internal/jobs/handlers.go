package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"classtrack/internal/attendance"
	"classtrack/internal/geofence"
	"classtrack/internal/ocrclient"
)

// Sender delivers a user-facing notification. Delivery is best-effort
// everywhere it is used from: a failed send never touches attendance state.
type Sender interface {
	Send(ctx context.Context, identityID, message string) error
}

// Coordinate is the wire shape of a claim location.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// MarkAttendancePayload is the stable contract between the request layer and
// the mark-attendance workers.
type MarkAttendancePayload struct {
	SessionID  string     `json:"sessionId"`
	IdentityID string     `json:"identityId"`
	DeviceID   string     `json:"deviceId"`
	Coordinate Coordinate `json:"coordinate"`
	ProofRef   string     `json:"proofRef"`
}

// MarkAttendanceResult is the success shape a polling client reads back.
type MarkAttendanceResult struct {
	SessionName   string `json:"sessionName"`
	Timestamp     string `json:"timestamp"`
	AttendeeCount int    `json:"attendeeCount"`
}

// MarkAttendance builds the handler that runs the verification pipeline for
// one queued claim.
func MarkAttendance(svc *attendance.Service, notify Sender) Handler {
	log := logrus.WithField("handler", QueueMarkAttendance)
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p MarkAttendancePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &attendance.ValidationError{Reason: "malformed mark-attendance payload"}
		}

		res, err := svc.Record(ctx, attendance.RecordInput{
			SessionID:  p.SessionID,
			StudentID:  p.IdentityID,
			DeviceID:   p.DeviceID,
			Coordinate: geofence.Point{Lat: p.Coordinate.Lat, Lon: p.Coordinate.Lon},
			ProofRef:   p.ProofRef,
		})
		if err != nil {
			return nil, err
		}

		if notify != nil {
			if nerr := notify.Send(ctx, p.IdentityID, fmt.Sprintf("Attendance marked successfully for %s", res.SessionName)); nerr != nil {
				log.WithError(nerr).WithField("identity_id", p.IdentityID).Warn("notification failed")
			}
		}

		return json.Marshal(MarkAttendanceResult{
			SessionName:   res.SessionName,
			Timestamp:     res.Entry.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			AttendeeCount: res.AttendeeCount,
		})
	}
}

// ExtractDataPayload asks the extraction collaborator to read an ID card.
type ExtractDataPayload struct {
	ImageRef   string `json:"imageRef"`
	IdentityID string `json:"identityId"`
}

// ExtractData builds the handler that activates an account from extracted ID
// fields. The extraction service's internals stay opaque; only its
// success/failure outcome matters here.
func ExtractData(svc *attendance.Service, ocr *ocrclient.Client, notify Sender) Handler {
	log := logrus.WithField("handler", QueueExtractData)
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p ExtractDataPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &attendance.ValidationError{Reason: "malformed extract-data payload"}
		}
		if p.ImageRef == "" || p.IdentityID == "" {
			return nil, &attendance.ValidationError{Reason: "imageRef and identityId are required"}
		}

		fields, err := ocr.Extract(ctx, p.ImageRef)
		if err != nil {
			return nil, err
		}

		extracted := attendance.ExtractedFields{
			MatricNumber: fields.MatricNumber,
			Name:         fields.Name,
			Programme:    fields.Programme,
			Level:        fields.Level,
		}
		if err := svc.ActivateStudent(ctx, p.IdentityID, extracted); err != nil {
			if notify != nil {
				_ = notify.Send(ctx, p.IdentityID, "Failed to activate account: incomplete data extracted.")
			}
			return nil, err
		}

		if notify != nil {
			if nerr := notify.Send(ctx, p.IdentityID, "Account activated successfully."); nerr != nil {
				log.WithError(nerr).WithField("identity_id", p.IdentityID).Warn("notification failed")
			}
		}
		return json.Marshal(extracted)
	}
}

// NotificationPayload is a fire-and-forget message to one user.
type NotificationPayload struct {
	IdentityID string `json:"identityId"`
	Message    string `json:"message"`
}

// Notification builds the handler that delivers queued notifications.
func Notification(notify Sender) Handler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p NotificationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &attendance.ValidationError{Reason: "malformed notification payload"}
		}
		if p.IdentityID == "" || p.Message == "" {
			return nil, &attendance.ValidationError{Reason: "identityId and message are required"}
		}
		if err := notify.Send(ctx, p.IdentityID, p.Message); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"delivered": true})
	}
}
