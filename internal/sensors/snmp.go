package sensors

import (
	"context"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
	"github.com/gosnmp/gosnmp"
)

const (
	oidSysUptime   = ".1.3.6.1.2.1.1.3.0"
	oidIfInOctets  = ".1.3.6.1.2.1.2.2.1.10"
	oidIfOutOctets = ".1.3.6.1.2.1.2.2.1.16"
	oidLoad1       = ".1.3.6.1.4.1.2021.10.1.3.1"
	oidMemTotal    = ".1.3.6.1.4.1.2021.4.5.0"
	oidMemAvail    = ".1.3.6.1.4.1.2021.4.6.0"

	defaultSNMPPort    = 161
	defaultSNMPTimeout = 2 * time.Second
	defaultIfIndex     = 2
)

type snmpGetFunc func(ctx context.Context, target string, oids []string) ([]gosnmp.SnmpPDU, error)

// snmpCollector polls uptime and the octet counters of one interface, plus
// load and memory where the agent exposes the UCD MIB. Traffic rates come
// from the previous counters of the same instance.
type snmpCollector struct {
	community string
	version   gosnmp.SnmpVersion
	port      uint16
	timeout   time.Duration
	ifIndex   int
	get       snmpGetFunc
	now       func() time.Time
	rates     rateTracker
}

func newSNMP(cfg map[string]string) (*snmpCollector, error) {
	port, err := intOption(cfg, "port", defaultSNMPPort)
	if err != nil {
		return nil, err
	}
	if port > 65535 {
		return nil, invalidOption("port", cfg["port"], errors.New().New(errors.ErrInvalidArgument))
	}
	timeout, err := durationOption(cfg, "timeout", defaultSNMPTimeout)
	if err != nil {
		return nil, err
	}
	ifIndex, err := intOption(cfg, "if_index", defaultIfIndex)
	if err != nil {
		return nil, err
	}

	var version gosnmp.SnmpVersion
	switch v := stringOption(cfg, "version", "2c"); v {
	case "1":
		version = gosnmp.Version1
	case "2c":
		version = gosnmp.Version2c
	default:
		return nil, invalidOption("version", v, errors.New().New(errors.ErrInvalidArgument))
	}

	c := &snmpCollector{
		community: stringOption(cfg, "community", "public"),
		version:   version,
		port:      uint16(port),
		timeout:   timeout,
		ifIndex:   ifIndex,
		now:       time.Now,
	}
	c.get = c.query
	return c, nil
}

func (c *snmpCollector) oids() []string {
	idx := strconv.Itoa(c.ifIndex)
	return []string{
		oidSysUptime,
		oidIfInOctets + "." + idx,
		oidIfOutOctets + "." + idx,
		oidLoad1,
		oidMemTotal,
		oidMemAvail,
	}
}

func (c *snmpCollector) query(ctx context.Context, target string, oids []string) ([]gosnmp.SnmpPDU, error) {
	client := &gosnmp.GoSNMP{
		Target:    target,
		Port:      c.port,
		Community: c.community,
		Version:   c.version,
		Timeout:   c.timeout,
		Retries:   1,
		MaxOids:   gosnmp.MaxOids,
		Context:   ctx,
	}

	if err := client.Connect(); err != nil {
		return nil, err
	}
	defer client.Conn.Close()

	pkt, err := client.Get(oids)
	if err != nil {
		return nil, err
	}
	if pkt.Error != gosnmp.NoError {
		return nil, errors.New().WithData(ErrCollectFailed, struct{ Status string }{Status: pkt.Error.String()})
	}

	return pkt.Variables, nil
}

func (c *snmpCollector) Collect(ctx context.Context, t Target) (Reading, error) {
	pdus, err := c.get(ctx, t.IP, c.oids())
	if err != nil {
		return Reading{Values: map[string]float64{}, Status: models.SensorError}, collectFailed("snmp", err)
	}

	idx := "." + strconv.Itoa(c.ifIndex)
	values := make(map[string]float64)
	counters := make(map[string]uint64)

	var memTotal, memAvail float64
	for _, pdu := range pdus {
		if !hasValue(pdu) {
			continue
		}

		switch pdu.Name {
		case oidSysUptime:
			values[MetricSNMPUptime] = float64(gosnmp.ToBigInt(pdu.Value).Uint64()) / 100
		case oidIfInOctets + idx:
			counters[MetricSNMPTrafficIn] = gosnmp.ToBigInt(pdu.Value).Uint64()
		case oidIfOutOctets + idx:
			counters[MetricSNMPTrafficOut] = gosnmp.ToBigInt(pdu.Value).Uint64()
		case oidLoad1:
			if load, ok := parseLoad(pdu); ok {
				values[MetricSNMPCPULoad] = load
			}
		case oidMemTotal:
			memTotal = float64(gosnmp.ToBigInt(pdu.Value).Int64())
		case oidMemAvail:
			memAvail = float64(gosnmp.ToBigInt(pdu.Value).Int64())
		}
	}

	if len(values) == 0 && len(counters) == 0 {
		return Reading{Values: values, Status: models.SensorError},
			collectFailed("snmp", errors.New().New(errors.ErrResourceNotFound))
	}

	if memTotal > 0 {
		values[MetricSNMPMemoryUsage] = (memTotal - memAvail) / memTotal * 100
	}

	for name, rate := range c.rates.update(c.now(), counters) {
		values[name] = rate * 8
	}

	return Reading{Values: values, Status: models.SensorOK}, nil
}

func hasValue(pdu gosnmp.SnmpPDU) bool {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return false
	default:
		return pdu.Value != nil
	}
}

// parseLoad reads laLoad, which agents report as a decimal string.
func parseLoad(pdu gosnmp.SnmpPDU) (float64, bool) {
	switch v := pdu.Value.(type) {
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return float64(gosnmp.ToBigInt(v).Int64()), true
	}
}
