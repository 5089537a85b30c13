package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homegate/internal/pkg"

	"github.com/mitchellh/mapstructure"
	"github.com/nathan-osman/go-sunrise"
)

func init() {
	Register(Template{
		Name:       "Sun",
		DeviceType: pkg.DeviceDummy,
		SensorType: pkg.SensorDual,
		ValueNames: []string{"Sunrise", "Sunset"},
		New:        func() Plugin { return &Sun{now: time.Now} },
	})
}

type SunOptions struct {
	Latitude  *float64 `mapstructure:"latitude"`
	Longitude *float64 `mapstructure:"longitude"`
}

// Sun 上报当天本地时间的日出和日落 (HH:MM)
type Sun struct {
	outlet    *Outlet
	latitude  float64
	longitude float64
	now       func() time.Time
}

func (s *Sun) Init(_ context.Context, b Binding) error {
	var opts SunOptions
	if err := mapstructure.WeakDecode(b.Device.Options, &opts); err != nil {
		return fmt.Errorf("decode sun options: %w", err)
	}
	if opts.Latitude == nil || opts.Longitude == nil {
		return errors.New("sun plugin requires latitude and longitude options")
	}
	if *opts.Latitude < -90 || *opts.Latitude > 90 || *opts.Longitude < -180 || *opts.Longitude > 180 {
		return fmt.Errorf("coordinates out of range: %v, %v", *opts.Latitude, *opts.Longitude)
	}
	s.outlet, s.latitude, s.longitude = b.Outlet, *opts.Latitude, *opts.Longitude
	return nil
}

func (s *Sun) times() (string, string) {
	now := s.now()
	rise, set := sunrise.SunriseSunset(s.latitude, s.longitude, now.Year(), now.Month(), now.Day())
	return rise.In(now.Location()).Format("15:04"), set.In(now.Location()).Format("15:04")
}

func (s *Sun) Read(values map[string]interface{}) {
	rise, set := s.times()
	values[s.outlet.ValueName(0)] = rise
	values[s.outlet.ValueName(1)] = set
}

func (s *Sun) Write(map[string]interface{}) error { return nil }

func (s *Sun) LoadForm(form map[string]interface{}) {
	form["latitude"] = s.latitude
	form["longitude"] = s.longitude
}

func (s *Sun) SaveForm(map[string]interface{}) error {
	return errors.New("sun coordinates are changed through the device options")
}

func (s *Sun) AsyncProcess(_ context.Context) error {
	rise, set := s.times()
	return s.outlet.SendData(rise, set)
}
