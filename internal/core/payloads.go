package core

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"nijasafe/internal/apperr"
	"nijasafe/internal/emergency"
	"nijasafe/internal/geo"
)

// LocationUpdate：上行位置更新
type LocationUpdate struct {
	UserID      string     `json:"userId" validate:"omitempty,max=128"`
	Coordinates *geo.Point `json:"coordinates" validate:"required"`
}

// AlertInput：上行紧急告警，也是 REST 创建接口的请求体
type AlertInput struct {
	UserID      string             `json:"userId" validate:"omitempty,max=128"`
	Type        emergency.Type     `json:"type"`
	Coordinates *geo.Point         `json:"coordinates" validate:"required"`
	Severity    emergency.Severity `json:"severity"`
	Description string             `json:"description" validate:"max=2000"`
	Extensions  map[string]any     `json:"extensions,omitempty"`
}

// TrafficUpdate：下行路况更新
type TrafficUpdate struct {
	Cell      string    `json:"cell"`
	Count     int64     `json:"count"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// EmergencyBroadcast：下行紧急广播，记录本体外加 emergencyId 与 timestamp
type EmergencyBroadcast struct {
	*emergency.Record
	EmergencyID string    `json:"emergencyId"`
	Timestamp   time.Time `json:"timestamp"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError：取第一条未通过的规则转为校验错误
func validationError(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fe := ves[0]
		if fe.Tag() == "required" {
			return apperr.Validation("%s is required", fe.Field())
		}
		return apperr.Validation("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return apperr.Validation("%v", err)
}
