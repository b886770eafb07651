package wodbuster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	logx "github.com/Keralin/WodSniper/pkg/logx"
)

// Class is one schedule slot, normalized across the two wire formats.
type Class struct {
	ID         string
	Name       string
	Time       string // "HH:MM"
	Date       string
	SpotsTotal int
	SpotsFree  int
	Booked     bool
	Bookable   bool
	Cancelable bool
	BookingID  string
	Status     string
}

// dateTicks is the LoadClass date parameter: epoch seconds of midnight UTC
// for the target calendar day.
func dateTicks(date time.Time) int64 {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

// Classes fetches the schedule for one calendar day. An unpublished or
// malformed schedule yields an empty list, not an error.
func (c *Client) Classes(ctx context.Context, date time.Time) ([]Class, error) {
	raw, err := c.loadClassRaw(ctx, date)
	if err != nil {
		return nil, err
	}
	classes := parseSchedule(raw)
	c.log.Debug("schedule fetched",
		logx.String("date", date.Format("2006-01-02")),
		logx.Int("classes", len(classes)))
	return classes, nil
}

func (c *Client) loadClassRaw(ctx context.Context, date time.Time) ([]byte, error) {
	if !c.loggedIn {
		return nil, ErrSessionExpired
	}
	params := url.Values{}
	params.Set("ticks", strconv.FormatInt(dateTicks(date), 10))
	body, status, err := c.getBody(ctx, c.boxURL+"/athlete/handlers/LoadClass.ashx", params)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, fmt.Errorf("wodbuster: LoadClass returned status %d", status)
	}
	return []byte(body), nil
}

// Slot state values reported in the new schedule format.
const (
	stateBookable   = "Inscribible"
	stateCancelable = "Borrable"
	stateChangeable = "Cambiable"
)

type scheduleResponse struct {
	EsCorrecto    *bool  `json:"EsCorrecto"`
	ErrorMsg      string `json:"ErrorMsg"`
	Mantenimiento bool   `json:"Mantenimiento"`
	Title         string `json:"Title"`

	Data []struct {
		Hora    string `json:"Hora"`
		Valores []struct {
			TipoEstado string `json:"TipoEstado"`
			Valor      *struct {
				ID           json.Number `json:"Id"`
				Nombre       string      `json:"Nombre"`
				HoraComienzo string      `json:"HoraComienzo"`
				Plazas       int         `json:"Plazas"`

				AtletasEntrenando []struct {
					ID json.Number `json:"Id"`
				} `json:"AtletasEntrenando"`
			} `json:"Valor"`
		} `json:"Valores"`
	} `json:"Data"`

	Datos []struct {
		ID            json.Number `json:"Id"`
		Nombre        string      `json:"Nombre"`
		Hora          string      `json:"Hora"`
		Fecha         string      `json:"Fecha"`
		PlazasLibres  int         `json:"PlazasLibres"`
		PlazasTotales int         `json:"PlazasTotales"`
		Apuntado      bool        `json:"Apuntado"`
		PuedeApuntar  bool        `json:"PuedeApuntar"`
	} `json:"Datos"`
}

// parseSchedule normalizes both LoadClass formats into []Class:
//   - new: {Data: [{Hora, Valores: [{TipoEstado, Valor: {...}}]}]}
//   - legacy: {EsCorrecto, Datos: [...]}
//
// Upstream errors and maintenance mode come back as an empty schedule.
func parseSchedule(raw []byte) []Class {
	var resp scheduleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	if resp.Mantenimiento {
		return nil
	}

	if len(resp.Data) > 0 {
		var out []Class
		for _, slot := range resp.Data {
			for _, v := range slot.Valores {
				if v.Valor == nil {
					continue
				}
				booked := v.TipoEstado == stateCancelable || v.TipoEstado == stateChangeable
				bookingID := ""
				if booked && len(v.Valor.AtletasEntrenando) > 0 {
					bookingID = v.Valor.AtletasEntrenando[0].ID.String()
				}
				out = append(out, Class{
					ID:         v.Valor.ID.String(),
					Name:       v.Valor.Nombre,
					Time:       v.Valor.HoraComienzo,
					Date:       resp.Title,
					SpotsTotal: v.Valor.Plazas,
					SpotsFree:  v.Valor.Plazas - len(v.Valor.AtletasEntrenando),
					Booked:     booked,
					Bookable:   v.TipoEstado == stateBookable,
					Cancelable: v.TipoEstado == stateCancelable,
					BookingID:  bookingID,
					Status:     v.TipoEstado,
				})
			}
		}
		return out
	}

	// Legacy format only reports errors explicitly.
	if resp.EsCorrecto != nil && !*resp.EsCorrecto {
		return nil
	}
	var out []Class
	for _, item := range resp.Datos {
		out = append(out, Class{
			ID:         item.ID.String(),
			Name:       item.Nombre,
			Time:       item.Hora,
			Date:       item.Fecha,
			SpotsTotal: item.PlazasTotales,
			SpotsFree:  item.PlazasLibres,
			Booked:     item.Apuntado,
			Bookable:   item.PuedeApuntar,
		})
	}
	return out
}

// FindClass locates the class at hhmm whose name contains query (case
// insensitive). Times compare on the first four digits, so "10:00", "1000"
// and "10:00:00" all match.
func (c *Client) FindClass(ctx context.Context, date time.Time, hhmm, query string) (*Class, error) {
	classes, err := c.Classes(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, &NoClassesError{Date: date}
	}

	target := normalizeHHMM(hhmm)
	q := strings.ToLower(query)
	for i := range classes {
		if normalizeHHMM(classes[i].Time) != target {
			continue
		}
		if strings.Contains(strings.ToLower(classes[i].Name), q) {
			return &classes[i], nil
		}
	}
	return nil, &ClassNotFoundError{Query: query, Time: hhmm, Date: date}
}

func normalizeHHMM(s string) string {
	s = strings.ReplaceAll(s, ":", "")
	if len(s) > 4 {
		s = s[:4]
	}
	return s
}

// bookResponse is the Calendario_Inscribir / Calendario_Borrar reply.
type bookResponse struct {
	EsCorrecto bool   `json:"EsCorrecto"`
	ErrorMsg   string `json:"ErrorMsg"`
	Res        *struct {
		EsCorrecto bool   `json:"EsCorrecto"`
		ErrorMsg   string `json:"ErrorMsg"`
	} `json:"Res"`
}

func (r *bookResponse) ok() bool {
	return (r.Res != nil && r.Res.EsCorrecto) || r.EsCorrecto
}

func (r *bookResponse) errorMsg() string {
	if r.Res != nil && r.Res.ErrorMsg != "" {
		return r.Res.ErrorMsg
	}
	if r.ErrorMsg != "" {
		return r.ErrorMsg
	}
	return "unknown error"
}

// Book reserves a spot in the class. Failures are classified into
// ClassFullError, RateLimitError or BookingError from the upstream message.
func (c *Client) Book(ctx context.Context, classID string) error {
	if !c.loggedIn {
		return ErrSessionExpired
	}
	params := url.Values{}
	params.Set("id", classID)
	params.Set("ticks", strconv.FormatInt(time.Now().UnixMilli(), 10))

	var resp bookResponse
	if err := c.getJSON(ctx, c.boxURL+"/athlete/handlers/Calendario_Inscribir.ashx", params, &resp); err != nil {
		return &BookingError{Message: err.Error()}
	}
	if resp.ok() {
		c.log.Info("class booked", logx.String("class_id", classID))
		return nil
	}
	return classifyBookingError(classID, resp.errorMsg())
}

// Cancel removes an existing reservation.
func (c *Client) Cancel(ctx context.Context, classID, bookingID string) error {
	if !c.loggedIn {
		return ErrSessionExpired
	}
	params := url.Values{}
	params.Set("id", classID)
	params.Set("ticks", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("idu", bookingID)

	var resp bookResponse
	if err := c.getJSON(ctx, c.boxURL+"/athlete/handlers/Calendario_Borrar.ashx", params, &resp); err != nil {
		return &BookingError{Message: err.Error()}
	}
	if resp.ok() {
		c.log.Info("booking cancelled",
			logx.String("class_id", classID), logx.String("booking_id", bookingID))
		return nil
	}
	return &BookingError{Message: "cancel failed: " + resp.errorMsg()}
}

var penaltyWaitRe = regexp.MustCompile(`(\d+)\s*(minuto|segundo)`)

func classifyBookingError(classID, msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "completa") || strings.Contains(lower, "llena") {
		return &ClassFullError{ClassID: classID, Message: msg}
	}
	if strings.Contains(lower, "penaliz") {
		wait := time.Duration(0)
		if m := penaltyWaitRe.FindStringSubmatch(lower); m != nil {
			n, _ := strconv.Atoi(m[1])
			wait = time.Duration(n) * time.Second
			if strings.HasPrefix(m[2], "minuto") {
				wait = time.Duration(n) * time.Minute
			}
		}
		return &RateLimitError{Message: msg, RetryAfter: wait}
	}
	return &BookingError{Message: msg}
}

// Opening is a detected future booking-window opening.
type Opening struct {
	OpensAt    time.Time
	Weekday    time.Weekday
	Hour       int
	Minute     int
	TargetDate time.Time
}

// DetectOpening probes the next daysAhead days for a schedule that is not
// yet published and reports when it opens, derived from the
// SegundosHastaPublicacion countdown. Returns (nil, nil) when every probed
// day is already open.
func (c *Client) DetectOpening(ctx context.Context, daysAhead int) (*Opening, error) {
	if !c.loggedIn {
		return nil, ErrSessionExpired
	}
	if daysAhead <= 0 {
		daysAhead = 7
	}
	now := time.Now()
	for i := 1; i <= daysAhead; i++ {
		target := now.AddDate(0, 0, i)
		raw, err := c.loadClassRaw(ctx, target)
		if err != nil {
			c.log.Warn("opening probe failed",
				logx.String("date", target.Format("2006-01-02")), logx.Err(err))
			continue
		}
		var probe struct {
			SegundosHastaPublicacion float64 `json:"SegundosHastaPublicacion"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.SegundosHastaPublicacion > 0 {
			opensAt := now.Add(time.Duration(probe.SegundosHastaPublicacion * float64(time.Second)))
			return &Opening{
				OpensAt:    opensAt,
				Weekday:    opensAt.Weekday(),
				Hour:       opensAt.Hour(),
				Minute:     opensAt.Minute(),
				TargetDate: target,
			}, nil
		}
	}
	return nil, nil
}
