package charger

import (
	"fmt"
	"time"

	"github.com/julienar/ixcharged/internal/ixapi"
	"go.uber.org/zap"
)

// Charging status values reported by the controller (SAE J1772)
var chargingStatusDescriptions = map[string]string{
	"INIT":                      "Initialization state",
	"IDLE":                      "SAE J1772 Status A - No vehicle connected",
	"CONNECTED":                 "SAE J1772 Status B - Vehicle connected, not ready",
	"CHARGING":                  "SAE J1772 Status C - Vehicle charging",
	"CHARGING_WITH_VENTILATION": "SAE J1772 Status D - Vehicle charging with ventilation",
	"CONTROL_PILOT_ERROR":       "SAE J1772 Status E - Control pilot error",
	"ERROR":                     "SAE J1772 Status F - Error state",
}

const saeJ1772Reference = "https://en.wikipedia.org/wiki/SAE_J1772"

// DescribeChargingStatus returns the human readable meaning of a status value
func DescribeChargingStatus(status string) string {
	if desc, ok := chargingStatusDescriptions[status]; ok {
		return desc
	}
	return fmt.Sprintf("Unknown status: %s", status)
}

func chargingStatusAttributes(v any) map[string]any {
	status, _ := v.(string)
	return map[string]any{
		"description":        DescribeChargingStatus(status),
		"sae_j1772_standard": saeJ1772Reference,
	}
}

type sensorDef struct {
	key        ixapi.PropertyKey
	slug       string
	name       string
	unit       string
	icon       string
	diagnostic bool
	coerce     Coercion
	attributes func(any) map[string]any
}

var sensorDefs = []sensorDef{
	{key: ixapi.ChargingEnable, slug: "charging_enable", name: "Charging Enable", icon: "mdi:ev-station", coerce: EnabledState},
	{key: ixapi.MaximumCurrent, slug: "maximum_current", name: "Maximum Current", unit: "A", icon: "mdi:current-ac", coerce: RoundInt},
	{key: ixapi.TargetCurrent, slug: "target_current", name: "Target Current", unit: "A", icon: "mdi:ev-plug-type2", coerce: RoundInt},
	{key: ixapi.CurrentChargingPower, slug: "current_charging_power", name: "Current Charging Power", unit: "W", icon: "mdi:lightning-bolt", coerce: RoundInt},
	{key: ixapi.ChargingCurrent, slug: "charging_current_l1", name: "Charging Current L1", unit: "A", icon: "mdi:current-ac", coerce: Round2},
	{key: ixapi.ChargingCurrentL2, slug: "charging_current_l2", name: "Charging Current L2", unit: "A", icon: "mdi:current-ac", coerce: Round2},
	{key: ixapi.ChargingCurrentL3, slug: "charging_current_l3", name: "Charging Current L3", unit: "A", icon: "mdi:current-ac", coerce: Round2},
	{key: ixapi.TotalEnergy, slug: "total_energy", name: "Total Energy", unit: "Wh", icon: "mdi:counter", coerce: RoundInt},
	{key: ixapi.SinglePhase, slug: "single_phase", name: "Single Phase Mode", icon: "mdi:sine-wave", diagnostic: true, coerce: EnabledState},
	{key: ixapi.Signal, slug: "signal_strength", name: "WiFi Signal Strength", unit: "%", icon: "mdi:wifi", diagnostic: true, coerce: SignalPercent},
	{key: ixapi.ChargingStatus, slug: "charging_status", name: "Charging Status", icon: "mdi:ev-station", diagnostic: true, coerce: Text, attributes: chargingStatusAttributes},
}

type pointFactory struct {
	coord  *Coordinator
	serial string
	logger *zap.Logger
}

func (f pointFactory) base(platform Platform, key ixapi.PropertyKey, slug, name, unit, icon string, diagnostic bool) basePoint {
	return basePoint{
		coord:      f.coord,
		serial:     f.serial,
		key:        key,
		platform:   platform,
		slug:       slug,
		name:       name,
		unit:       unit,
		icon:       icon,
		diagnostic: diagnostic,
		logger:     f.logger.With(zap.String("point", string(platform)+"."+slug), zap.String("key", string(key))),
	}
}

// buildPoints creates the fixed point set for one charger
func buildPoints(f pointFactory, cable func() CableSpec, switchDelay, numberDelay time.Duration) []Readable {
	points := make([]Readable, 0, len(sensorDefs)+4)

	for _, def := range sensorDefs {
		points = append(points, &Sensor{
			basePoint:  f.base(PlatformSensor, def.key, def.slug, def.name, def.unit, def.icon, def.diagnostic),
			coerce:     def.coerce,
			attributes: def.attributes,
		})
	}

	points = append(points,
		&Switch{setPoint: setPoint{
			basePoint:      f.base(PlatformSwitch, ixapi.ChargingEnable, "charging_enable", "Charging Enable", "", "mdi:ev-station", false),
			reconcileDelay: switchDelay,
		}},
		&Switch{setPoint: setPoint{
			basePoint:      f.base(PlatformSwitch, ixapi.SinglePhase, "single_phase", "Single Phase Mode", "", "mdi:sine-wave", false),
			reconcileDelay: switchDelay,
		}},
		&Number{
			setPoint: setPoint{
				basePoint:      f.base(PlatformNumber, ixapi.MaximumCurrent, "maximum_current", "Maximum Charging Current", "A", "mdi:current-ac", false),
				reconcileDelay: numberDelay,
			},
			cable: cable,
		},
		&Number{
			setPoint: setPoint{
				basePoint:      f.base(PlatformNumber, ixapi.TargetCurrent, "target_current", "Target Charging Current", "A", "mdi:ev-plug-type2", false),
				reconcileDelay: numberDelay,
			},
			cable:        cable,
			capByMaximum: true,
		},
	)

	return points
}
