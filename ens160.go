// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ens160

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// OpMode is the device operating mode stored in the OPMODE register.
type OpMode byte

const (
	// ModeDeepSleep is the low-power standby mode. No measurements are taken.
	ModeDeepSleep OpMode = 0x00
	// ModeIdle keeps the device responsive to commands without running the
	// gas sensing algorithm.
	ModeIdle OpMode = 0x01
	// ModeStandard is the normal gas sensing mode.
	ModeStandard OpMode = 0x02
	// ModeReset reboots the device. After writing it, the device re-enters
	// its previously configured behavior on its own; the driver waits the
	// settle time before returning.
	ModeReset OpMode = 0xf0
)

func (m OpMode) String() string {
	switch m {
	case ModeDeepSleep:
		return "deep sleep"
	case ModeIdle:
		return "idle"
	case ModeStandard:
		return "standard"
	case ModeReset:
		return "reset"
	}
	return fmt.Sprintf("invalid mode 0x%02x", byte(m))
}

// Validity is the output validity flag from bits 2-3 of the STATUS register.
type Validity byte

const (
	// ValidityNormal means the device is warmed up and outputs are valid.
	ValidityNormal Validity = 0
	// ValidityWarmUp is reported during the first ~3 minutes after power-on.
	ValidityWarmUp Validity = 1
	// ValidityStartUp is reported during the first ~1 hour of operation of
	// a new device.
	ValidityStartUp Validity = 2
	// ValidityInvalid means the outputs are not usable.
	ValidityInvalid Validity = 3
)

func (v Validity) String() string {
	switch v {
	case ValidityNormal:
		return "normal operation"
	case ValidityWarmUp:
		return "warm-up"
	case ValidityStartUp:
		return "initial start-up"
	case ValidityInvalid:
		return "invalid output"
	}
	return fmt.Sprintf("invalid validity 0x%02x", byte(v))
}

// Variant identifies which part the driver found on the bus.
type Variant int

const (
	ENS160 Variant = iota
	ENS161
)

func (v Variant) String() string {
	if v == ENS161 {
		return "ENS161"
	}
	return "ENS160"
}

// AQI is the UBA air quality index, a 1 (excellent) to 5 (unhealthy) rating.
type AQI uint8

func (a AQI) String() string {
	return strconv.Itoa(int(a)) + "/5"
}

// TVOC is a total volatile organic compounds concentration in ppb.
type TVOC uint16

func (t TVOC) String() string {
	return strconv.Itoa(int(t)) + "ppb"
}

// ECO2 is a CO2-equivalent concentration in ppm.
type ECO2 uint16

func (e ECO2) String() string {
	return strconv.Itoa(int(e)) + "ppm"
}

const (
	// DefaultAddress is the factory default I2C address. Pulling the ADDR
	// pin low selects 0x52 instead.
	DefaultAddress i2c.Addr = 0x53

	// Register addresses. Multi-byte registers are little-endian.
	regPartID  byte = 0x00
	regOpMode  byte = 0x10
	regConfig  byte = 0x11
	regCommand byte = 0x12
	regTempIn  byte = 0x13
	regRHIn    byte = 0x15
	regStatus  byte = 0x20
	regAQI     byte = 0x21
	regGPRRead byte = 0x48

	// Commands accepted by the COMMAND register. The device must be idle
	// for any of them to take effect.
	cmdNOP           byte = 0x00
	cmdGetAppVersion byte = 0x0e
	cmdClearGPR      byte = 0xcc

	// STATUS register bits.
	statusNewGPR  byte = 1 << 0
	statusNewData byte = 1 << 1

	// CONFIG register bits.
	cfgIntEnable     byte = 1 << 0
	cfgIntOnData     byte = 1 << 1
	cfgIntOnGPR      byte = 1 << 3
	cfgIntPushPull   byte = 1 << 5
	cfgIntActiveHigh byte = 1 << 6

	partIDENS160 uint16 = 0x0160
	partIDENS161 uint16 = 0x0161

	// The AQI-UBA field occupies the low bits of the AQI register.
	aqiMask byte = 0x07

	// Time the device needs to settle after a reset or a command clear.
	settleTime = 10 * time.Millisecond
)

// Reading is the last decoded sample from the device. Values keep their zero
// value until the first Poll() that observes new data.
type Reading struct {
	AQI  AQI
	TVOC TVOC
	ECO2 ECO2
	// Resistances holds the hot-plate resistances of the four sensing
	// elements RS0-RS3, derived from the general purpose registers.
	Resistances [4]physic.ElectricResistance
}

func (r *Reading) String() string {
	return fmt.Sprintf("AQI: %s TVOC: %s eCO2: %s", r.AQI, r.TVOC, r.ECO2)
}

// FirmwareVersion is the device application firmware version.
type FirmwareVersion struct {
	Major, Minor, Patch uint8
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// InterruptConfig describes the INTn pin behavior set through the CONFIG
// register.
type InterruptConfig struct {
	// Enable drives the INTn pin when an enabled condition occurs.
	Enable bool
	// OnNewData asserts the pin when a new measurement is available.
	OnNewData bool
	// OnNewGPR asserts the pin when the general purpose registers update.
	OnNewGPR bool
	// PushPull selects push-pull drive instead of open drain.
	PushPull bool
	// ActiveHigh selects an active-high pin instead of active-low.
	ActiveHigh bool
}

func (c InterruptConfig) encode() byte {
	var b byte
	if c.Enable {
		b |= cfgIntEnable
	}
	if c.OnNewData {
		b |= cfgIntOnData
	}
	if c.OnNewGPR {
		b |= cfgIntOnGPR
	}
	if c.PushPull {
		b |= cfgIntPushPull
	}
	if c.ActiveHigh {
		b |= cfgIntActiveHigh
	}
	return b
}

func decodeInterruptConfig(b byte) InterruptConfig {
	return InterruptConfig{
		Enable:     b&cfgIntEnable != 0,
		OnNewData:  b&cfgIntOnData != 0,
		OnNewGPR:   b&cfgIntOnGPR != 0,
		PushPull:   b&cfgIntPushPull != 0,
		ActiveHigh: b&cfgIntActiveHigh != 0,
	}
}

// Dev represents an ENS160 or ENS161 multi-gas sensor.
type Dev struct {
	d       *i2c.Dev
	variant Variant

	mu       sync.Mutex
	reading  Reading
	shutdown chan struct{}
}

// NewI2C returns a driver for an ENS160/ENS161 on the supplied bus. addr is
// normally DefaultAddress.
//
// The device identity is verified, pending commands are cleared, the mode is
// set to ModeStandard and the compensation inputs are initialized to 25°C and
// 50%RH.
func NewI2C(b i2c.Bus, addr i2c.Addr) (*Dev, error) {
	d := &Dev{d: &i2c.Dev{Bus: b, Addr: uint16(addr)}}
	id, err := d.readReg(regPartID, 2)
	if err != nil {
		return nil, err
	}
	switch binary.LittleEndian.Uint16(id) {
	case partIDENS160:
		d.variant = ENS160
	case partIDENS161:
		d.variant = ENS161
	default:
		return nil, fmt.Errorf("ens160: no ENS160/ENS161 found at address 0x%02x, part ID 0x%04x", addr, binary.LittleEndian.Uint16(id))
	}
	if err := d.clearCommand(); err != nil {
		return nil, err
	}
	if err := d.writeReg(regOpMode, byte(ModeStandard)); err != nil {
		return nil, err
	}
	if err := d.SetTemperatureCompensation(physic.ZeroCelsius + 25*physic.Kelvin); err != nil {
		return nil, err
	}
	if err := d.SetHumidityCompensation(50 * physic.PercentRH); err != nil {
		return nil, err
	}
	return d, nil
}

// Variant returns the part detected at construction time.
func (d *Dev) Variant() Variant {
	return d.variant
}

// Mode returns the current operating mode from the device.
func (d *Dev) Mode() (OpMode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.readReg(regOpMode, 1)
	if err != nil {
		return 0, err
	}
	return OpMode(b[0]), nil
}

// SetMode changes the operating mode. Only the four defined OpMode values are
// accepted; anything else returns an error without touching the device.
//
// ModeReset reboots the device. The driver sleeps for the device settle time
// before returning, after which the device is back in its power-on state and
// mode, compensation and interrupt settings need to be applied again.
func (d *Dev) SetMode(m OpMode) error {
	switch m {
	case ModeDeepSleep, ModeIdle, ModeStandard, ModeReset:
	default:
		return fmt.Errorf("ens160: invalid operating mode 0x%02x", byte(m))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeReg(regOpMode, byte(m)); err != nil {
		return err
	}
	if m == ModeReset {
		time.Sleep(settleTime)
	}
	return nil
}

// kelvinToCount converts a temperature to the 64ths-of-a-kelvin count the
// device stores in TEMP_IN.
func kelvinToCount(t physic.Temperature) uint16 {
	k := float64(t) / float64(physic.Kelvin)
	return uint16(k*64.0 + 0.5)
}

func countToKelvin(count uint16) physic.Temperature {
	return physic.Temperature(float64(count) / 64.0 * float64(physic.Kelvin))
}

// humidityToCount converts a relative humidity to the 512ths-of-a-percent
// count the device stores in RH_IN.
func humidityToCount(h physic.RelativeHumidity) uint16 {
	pct := float64(h) / float64(physic.PercentRH)
	return uint16(pct*512.0 + 0.5)
}

func countToHumidity(count uint16) physic.RelativeHumidity {
	return physic.RelativeHumidity(float64(count) / 512.0 * float64(physic.PercentRH))
}

// countToResistance converts a raw general purpose register count to the
// sensing element resistance. R = 2^(count/2048) ohm.
func countToResistance(count uint16) physic.ElectricResistance {
	return physic.ElectricResistance(math.Pow(2.0, float64(count)/2048.0) * float64(physic.Ohm))
}

// SetTemperatureCompensation feeds the ambient temperature to the device's
// calibration algorithm. Set it to the actual ambient temperature for best
// readings. The encoding quantizes to 1/64 kelvin.
//
// Temperatures outside the 16-bit fixed point range (roughly 0K to 1023K) are
// not validated and wrap silently.
func (d *Dev) SetTemperatureCompensation(t physic.Temperature) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := kelvinToCount(t)
	return d.writeReg(regTempIn, byte(count), byte(count>>8))
}

// TemperatureCompensation returns the ambient temperature the device is
// currently compensating with.
func (d *Dev) TemperatureCompensation() (physic.Temperature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.readReg(regTempIn, 2)
	if err != nil {
		return 0, err
	}
	return countToKelvin(binary.LittleEndian.Uint16(b)), nil
}

// SetHumidityCompensation feeds the ambient relative humidity to the device's
// calibration algorithm. The encoding quantizes to 1/512 %RH. Values outside
// 0-127% wrap silently in the 16-bit encoding.
func (d *Dev) SetHumidityCompensation(h physic.RelativeHumidity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := humidityToCount(h)
	return d.writeReg(regRHIn, byte(count), byte(count>>8))
}

// HumidityCompensation returns the ambient relative humidity the device is
// currently compensating with.
func (d *Dev) HumidityCompensation() (physic.RelativeHumidity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.readReg(regRHIn, 2)
	if err != nil {
		return 0, err
	}
	return countToHumidity(binary.LittleEndian.Uint16(b)), nil
}

// Validity returns the output validity flag from the STATUS register. Outputs
// should only be trusted under ValidityNormal.
func (d *Dev) Validity() (Validity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.readReg(regStatus, 1)
	if err != nil {
		return ValidityInvalid, err
	}
	return Validity((b[0] >> 2) & 0x03), nil
}

// Poll checks the device for new output and updates the reading buffer. It
// returns true if a new measurement or new general purpose register data was
// decoded. Poll is the only call that refreshes the buffer; retrieve the
// values afterwards with LastReading().
func (d *Dev) Poll() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.poll()
}

func (d *Dev) poll() (bool, error) {
	st, err := d.readReg(regStatus, 1)
	if err != nil {
		return false, err
	}
	fresh := false
	if st[0]&statusNewData != 0 {
		// AQI, TVOC and eCO2 are adjacent and burst-readable. The last
		// three bytes of the burst are reserved.
		b, err := d.readReg(regAQI, 8)
		if err != nil {
			return false, err
		}
		d.reading.AQI = AQI(b[0] & aqiMask)
		d.reading.TVOC = TVOC(binary.LittleEndian.Uint16(b[1:3]))
		d.reading.ECO2 = ECO2(binary.LittleEndian.Uint16(b[3:5]))
		fresh = true
	}
	if st[0]&statusNewGPR != 0 {
		b, err := d.readReg(regGPRRead, 8)
		if err != nil {
			return false, err
		}
		for i := range d.reading.Resistances {
			d.reading.Resistances[i] = countToResistance(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
		}
		fresh = true
	}
	return fresh, nil
}

// LastReading returns a copy of the reading buffer. It never blocks on the
// device and never fails; the result is the zero Reading until a Poll()
// observed data.
func (d *Dev) LastReading() Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reading
}

// FirmwareVersion retrieves the application firmware version. The exchange
// switches the device to idle, runs the GETAPPVER command through the general
// purpose registers and restores the prior operating mode, including on error.
func (d *Dev) FirmwareVersion() (FirmwareVersion, error) {
	var v FirmwareVersion
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, err := d.readReg(regOpMode, 1)
	if err != nil {
		return v, err
	}
	if err := d.writeReg(regOpMode, byte(ModeIdle)); err != nil {
		return v, err
	}
	defer func() {
		_ = d.writeReg(regOpMode, prev[0])
	}()
	if err := d.clearCommand(); err != nil {
		return v, err
	}
	if err := d.writeReg(regCommand, cmdGetAppVersion); err != nil {
		return v, err
	}
	b, err := d.readReg(regGPRRead, 8)
	if err != nil {
		return v, err
	}
	v = FirmwareVersion{Major: b[4], Minor: b[5], Patch: b[6]}
	return v, nil
}

// Interrupts returns the current INTn pin configuration.
func (d *Dev) Interrupts() (InterruptConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.readReg(regConfig, 1)
	if err != nil {
		return InterruptConfig{}, err
	}
	return decodeInterruptConfig(b[0]), nil
}

// SetInterrupts configures the INTn pin. Combine it with a GPIO edge on the
// host to avoid polling STATUS.
func (d *Dev) SetInterrupts(cfg InterruptConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeReg(regConfig, cfg.encode())
}

// SenseContinuous polls the device at the given interval and delivers a
// Reading on the returned channel whenever new output was decoded. To
// terminate it, call Halt().
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		return nil, errors.New("ens160: SenseContinuous already running")
	}
	d.shutdown = make(chan struct{})
	ch := make(chan Reading, 16)
	go func(shutdown <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)
		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				d.mu.Lock()
				fresh, err := d.poll()
				r := d.reading
				d.mu.Unlock()
				if err == nil && fresh && len(ch) < cap(ch) {
					ch <- r
				}
			}
		}
	}(d.shutdown)
	return ch, nil
}

// Halt terminates a SenseContinuous operation if one is running and drops the
// device to idle. Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	return d.writeReg(regOpMode, byte(ModeIdle))
}

func (d *Dev) String() string {
	return fmt.Sprintf("ens160: %s", d.d.String())
}

// clearCommand flushes any pending command and the general purpose registers,
// then lets the device settle.
func (d *Dev) clearCommand() error {
	if err := d.writeReg(regCommand, cmdNOP); err != nil {
		return err
	}
	if err := d.writeReg(regCommand, cmdClearGPR); err != nil {
		return err
	}
	time.Sleep(settleTime)
	return nil
}

func (d *Dev) readReg(reg byte, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := d.d.Tx([]byte{reg}, b); err != nil {
		return nil, fmt.Errorf("ens160: reading register 0x%02x: %w", reg, err)
	}
	return b, nil
}

func (d *Dev) writeReg(reg byte, data ...byte) error {
	if err := d.d.Tx(append([]byte{reg}, data...), nil); err != nil {
		return fmt.Errorf("ens160: writing register 0x%02x: %w", reg, err)
	}
	return nil
}

var _ conn.Resource = &Dev{}
