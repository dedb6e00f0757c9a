package icm20948

import (
	"fmt"
	"time"

	"stairwatch/internal/i2c"
)

var (
	sleep = time.Sleep
	now   = time.Now
)

// ICM-20948 driver: probe, accel/gyro reads and the accelerometer
// wake-on-motion comparator.
//
// WHO_AM_I at 0x00 should return 0xEA.

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntEnable  = 0x10
	bitWomIntEn   = 0x08
	regIntStatus  = 0x19
	bitWomInt     = 0x08
	regAccelXoutH = 0x2D // contiguous accel+gyro block

	// Bank 2.
	bank2             = 2
	regGyroSmplrt     = 0x00
	regGyroConfig     = 0x01
	regAccelSmplrt1   = 0x10
	regAccelSmplrt2   = 0x11
	regAccelIntelCtrl = 0x12
	regAccelWomThr    = 0x13
	regAccelConfig    = 0x14

	accelIntelEn      = 0x02
	accelIntelCompare = 0x01 // compare against the previous sample

	fsGyro250dps = 0x00

	baseRateHz = 1125
	womLSBmg   = 4
)

type Options struct {
	// SampleRateHz picks the divider of the 1125 Hz base rate. Default 50.
	SampleRateHz int
	// AccelRangeG is one of 2, 4, 8, 16. Default 4.
	AccelRangeG int
	// WakeOnMotionMg enables the wake-on-motion interrupt with this threshold
	// (4 mg steps, max 1020). 0 leaves it off.
	WakeOnMotionMg int
}

func (o Options) withDefaults() Options {
	if o.SampleRateHz <= 0 {
		o.SampleRateHz = 50
	}
	if o.AccelRangeG == 0 {
		o.AccelRangeG = 4
	}
	return o
}

func accelFSSel(rangeG int) (byte, error) {
	switch rangeG {
	case 2:
		return 0, nil
	case 4:
		return 1, nil
	case 8:
		return 2, nil
	case 16:
		return 3, nil
	}
	return 0, fmt.Errorf("icm20948: accel range %dg unsupported", rangeG)
}

type Sample struct {
	Time time.Time
	// Accel in G.
	Ax, Ay, Az float64
	// Gyro in deg/s.
	Gx, Gy, Gz float64
}

type Device struct {
	dev  regIO
	opts Options

	curBank byte
	// scales based on configured full-scale.
	scaleAccel float64
	scaleGyro  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev, opts)
}

func newWithIO(dev regIO, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	opts = opts.withDefaults()
	fs, err := accelFSSel(opts.AccelRangeG)
	if err != nil {
		return nil, err
	}
	if opts.WakeOnMotionMg < 0 || opts.WakeOnMotionMg > 255*womLSBmg {
		return nil, fmt.Errorf("icm20948: wake-on-motion threshold %dmg out of range", opts.WakeOnMotionMg)
	}
	d := &Device{dev: dev, opts: opts, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(fs); err != nil {
		return nil, err
	}
	return d, nil
}

// SampleDivider returns the divider for rateHz, clamped to the hardware range.
func SampleDivider(rateHz int) uint16 {
	if rateHz <= 0 {
		return 0
	}
	div := baseRateHz/rateHz - 1
	if div < 0 {
		div = 0
	}
	if div > 255 {
		div = 255
	}
	return uint16(div)
}

func (d *Device) init(fs byte) error {
	if err := d.setBank(0); err != nil {
		return err
	}
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	// Wake + auto clock select (PLL when ready).
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}
	div := SampleDivider(d.opts.SampleRateHz)
	_ = d.dev.WriteReg(regGyroSmplrt, byte(div))
	_ = d.dev.WriteReg(regAccelSmplrt1, byte(div>>8))
	_ = d.dev.WriteReg(regAccelSmplrt2, byte(div))

	if err := d.dev.WriteReg(regGyroConfig, fsGyro250dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fs<<1); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	intEnable := byte(0)
	if d.opts.WakeOnMotionMg > 0 {
		thr := byte(d.opts.WakeOnMotionMg / womLSBmg)
		if err := d.dev.WriteReg(regAccelWomThr, thr); err != nil {
			return fmt.Errorf("icm20948: wom threshold failed: %w", err)
		}
		if err := d.dev.WriteReg(regAccelIntelCtrl, accelIntelEn|accelIntelCompare); err != nil {
			return fmt.Errorf("icm20948: wom enable failed: %w", err)
		}
		intEnable = bitWomIntEn
	}

	if err := d.setBank(0); err != nil {
		return err
	}
	if err := d.dev.WriteReg(regIntEnable, intEnable); err != nil {
		return fmt.Errorf("icm20948: int enable failed: %w", err)
	}

	d.scaleAccel = float64(d.opts.AccelRangeG) / 32768.0
	d.scaleGyro = 250.0 / 32768.0
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}

	buf := make([]byte, 12)
	if err := d.dev.ReadReg(regAccelXoutH, buf); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	ax := int16(buf[0])<<8 | int16(buf[1])
	ay := int16(buf[2])<<8 | int16(buf[3])
	az := int16(buf[4])<<8 | int16(buf[5])
	gx := int16(buf[6])<<8 | int16(buf[7])
	gy := int16(buf[8])<<8 | int16(buf[9])
	gz := int16(buf[10])<<8 | int16(buf[11])

	return Sample{
		Time: now(),
		Ax:   float64(ax) * d.scaleAccel,
		Ay:   float64(ay) * d.scaleAccel,
		Az:   float64(az) * d.scaleAccel,
		Gx:   float64(gx) * d.scaleGyro,
		Gy:   float64(gy) * d.scaleGyro,
		Gz:   float64(gz) * d.scaleGyro,
	}, nil
}

// MotionInterrupt reads and clears INT_STATUS and reports whether the
// wake-on-motion comparator tripped since the last call. It always reports
// false when wake-on-motion is off.
func (d *Device) MotionInterrupt() (bool, error) {
	if d == nil {
		return false, fmt.Errorf("icm20948: device is nil")
	}
	if d.opts.WakeOnMotionMg == 0 {
		return false, nil
	}
	if err := d.setBank(0); err != nil {
		return false, err
	}
	st, err := d.dev.ReadRegU8(regIntStatus)
	if err != nil {
		return false, fmt.Errorf("icm20948: int status read failed: %w", err)
	}
	return st&bitWomInt != 0, nil
}
