package controller

import (
	"errors"
	"strconv"
	"strings"

	"stepcore/standalone"
	"stepcore/standalone/gcode"
	"stepcore/standalone/homing"
	"stepcore/standalone/kinematics"
	"stepcore/standalone/system"
)

// Response is the outcome of one console line
type Response struct {
	// Messages are printed before the status line
	Messages []string

	// Err is nil for ok
	Err error

	// Alarm is set when the line raised an alarm; it replaces the status line
	Alarm system.Alarm
}

// Status returns the numeric status of the response
func (r Response) Status() gcode.Status {
	return statusOf(r.Err)
}

// String renders the response as sent to the host
func (r Response) String() string {
	var sb strings.Builder
	for _, msg := range r.Messages {
		sb.WriteString(msg)
		sb.WriteString("\r\n")
	}
	switch {
	case r.Alarm != system.AlarmNone:
		sb.WriteString("ALARM:")
		sb.WriteString(strconv.Itoa(r.Alarm.Code()))
	case r.Err != nil:
		sb.WriteString("error:")
		sb.WriteString(strconv.Itoa(r.Status().Code()))
	default:
		sb.WriteString("ok")
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// statusOf maps an error to the status code reported for it
func statusOf(err error) gcode.Status {
	var status gcode.Status
	switch {
	case err == nil:
		return gcode.StatusOK
	case errors.As(err, &status):
		return status
	case errors.Is(err, system.ErrLocked):
		return gcode.StatusSystemLocked
	case errors.Is(err, homing.ErrDisabled), errors.Is(err, homing.ErrNoCycles):
		return gcode.StatusSettingDisabled
	case errors.Is(err, homing.ErrBusy), errors.Is(err, errAborted):
		return gcode.StatusIdleError
	default:
		return gcode.StatusInvalidStatement
	}
}

// system executes a '$' command
func (m *Manager) system(cmd string) Response {
	switch {
	case cmd == "":
		return Response{Messages: []string{"[HLP:$$ $I $H $H<axes> $X ? ! ~ ctrl-x]"}}
	case cmd == "$":
		return Response{Messages: m.settings()}
	case cmd == "I":
		return Response{Messages: []string{
			"[VER:stepcore:" + m.config.Name + "]",
			"[OPT:" + m.kinematics.Name() + "," + m.config.AxesMask().String() + "]",
		}}
	case cmd == "X":
		if m.machine.State() != system.StateAlarm {
			return Response{}
		}
		m.machine.Unlock()
		m.log.Warn("unlocked")
		return Response{Messages: []string{"[MSG:Caution: Unlocked]"}}
	case strings.HasPrefix(cmd, "H"):
		requested, err := standalone.ParseAxisMask(cmd[1:])
		if err != nil || requested&^m.config.AxesMask() != 0 {
			return Response{Err: gcode.StatusInvalidStatement}
		}
		if m.moving() {
			return Response{Err: gcode.StatusIdleError}
		}
		err = m.homing.Run(requested)
		resp := m.result(err)
		if errors.Is(err, kinematics.ErrMultiAxisCycle) || errors.Is(err, kinematics.ErrSingleAxisHoming) {
			resp.Messages = append(resp.Messages, "[MSG:"+err.Error()+"]")
		}
		return resp
	}
	return Response{Err: gcode.StatusInvalidStatement}
}

// StatusReport renders the realtime status, e.g. <Idle|MPos:0.000,0.000,0.000|FS:0,0>
func (m *Manager) StatusReport() string {
	pos := m.Position()

	var sb strings.Builder
	sb.WriteByte('<')
	state := m.machine.State()
	sb.WriteString(state.String())
	if state == system.StateHold {
		// Hold:0 is at rest and ready to resume, Hold:1 still decelerating
		if m.holdDone.Load() {
			sb.WriteString(":0")
		} else {
			sb.WriteString(":1")
		}
	}
	sb.WriteString("|MPos:")
	for i := 0; i < m.config.NumAxes(); i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(pos[i], 'f', 3, 64))
	}
	sb.WriteString("|FS:")
	sb.WriteString(strconv.FormatFloat(m.engine.RealtimeRate(), 'f', 0, 64))
	sb.WriteString(",0")
	if lim := m.switches.State(); lim != 0 {
		sb.WriteString("|Pn:")
		sb.WriteString(lim.String())
	}
	sb.WriteByte('>')
	return sb.String()
}

// settings lists the configuration in numbered $ form
func (m *Manager) settings() []string {
	cfg := m.config
	h := cfg.Homing

	var out []string
	add := func(n int, value string) {
		out = append(out, "$"+strconv.Itoa(n)+"="+value)
	}
	num := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	flag := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}

	add(0, strconv.FormatUint(uint64(cfg.Stepping.PulseMicros), 10))
	add(20, flag(cfg.SoftLimits))
	add(21, flag(cfg.HardLimits))
	add(22, flag(h.Enabled))
	add(23, strconv.Itoa(int(h.DirMask)))
	add(24, num(h.FeedRate))
	add(25, num(h.SeekRate))
	add(26, strconv.FormatUint(uint64(h.DebounceMS), 10))
	add(27, num(h.Pulloff))
	for i := 0; i < cfg.NumAxes(); i++ {
		add(100+i, num(cfg.Axes[i].StepsPerMM))
	}
	for i := 0; i < cfg.NumAxes(); i++ {
		add(110+i, num(cfg.Axes[i].MaxRate))
	}
	for i := 0; i < cfg.NumAxes(); i++ {
		add(120+i, num(cfg.Axes[i].Acceleration))
	}
	for i := 0; i < cfg.NumAxes(); i++ {
		add(130+i, num(cfg.Axes[i].MaxTravel))
	}
	return out
}
