// Package condition decides per character whether normal maps are baked and
// which proxy texture folders apply, from small YAML rule files such as
//
//	condition: "IsFemale() AND NOT IsChild() OR HasKeyword(Beast)"
//	priority: 10
//	enable: true
//	headEnable: false
//	proxyDetailFolder: [textures/proxy/detail]
//
// A condition string is an AND of OR groups; each item may be negated with
// NOT.
package condition

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.trai.ch/zerr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/scene"
)

// Kind names a predicate.
type Kind string

const (
	HasKeyword  Kind = "HasKeyword"
	IsActorBase Kind = "IsActorBase"
	IsActor     Kind = "IsActor"
	IsRace      Kind = "IsRace"
	IsFemale    Kind = "IsFemale"
	IsChild     Kind = "IsChild"
	None        Kind = "None"
)

// Item is one predicate call.
type Item struct {
	Not  bool
	Kind Kind
	Arg  string
}

func (it Item) String() string {
	s := string(it.Kind) + "(" + it.Arg + ")"
	if it.Not {
		return "NOT " + s
	}
	return s
}

// Predicate evaluates one item against a character.
type Predicate func(c scene.Character, arg string) bool

var predicates = map[Kind]Predicate{
	HasKeyword: func(c scene.Character, arg string) bool {
		return slices.ContainsFunc(c.Keywords, func(k string) bool { return strings.EqualFold(k, arg) })
	},
	IsActorBase: func(c scene.Character, arg string) bool {
		id, ok := parseID(arg)
		return ok && c.BaseID == id
	},
	IsActor: func(c scene.Character, arg string) bool {
		id, ok := parseID(arg)
		return ok && c.ID == id
	},
	IsRace:   func(c scene.Character, arg string) bool { return strings.EqualFold(c.Race, arg) },
	IsFemale: func(c scene.Character, _ string) bool { return c.Female },
	IsChild:  func(c scene.Character, _ string) bool { return c.Child },
	None:     func(scene.Character, string) bool { return true },
}

// kindsByName maps lower-cased names to kinds.
var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(predicates))
	for k := range predicates {
		m[strings.ToLower(string(k))] = k
	}
	return m
}()

// parseID reads "0x1A2B", "1A2B" or "plugin.esp|0x1A2B".
func parseID(arg string) (uint32, bool) {
	if i := strings.LastIndexByte(arg, '|'); i >= 0 {
		arg = arg[i+1:]
	}
	arg = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(arg)), "0x")
	v, err := strconv.ParseUint(arg, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

var (
	andSep = regexp.MustCompile(`\s+AND\s+`)
	orSep  = regexp.MustCompile(`\s+OR\s+`)
	call   = regexp.MustCompile(`^([A-Za-z]+)\s*(?:\(\s*([^)]*?)\s*\))?$`)
)

// Parse splits expr into AND-of-OR groups. Items with an unknown kind or bad
// syntax are logged and dropped. An empty expression matches everyone.
func Parse(log *zap.Logger, expr string) [][]Item {
	log = logger.OrNop(log)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return [][]Item{{{Kind: None}}}
	}

	var groups [][]Item
	for _, and := range andSep.Split(expr, -1) {
		var group []Item
		for _, or := range orSep.Split(strings.TrimSpace(and), -1) {
			or = strings.TrimSpace(or)
			var it Item
			if rest, ok := strings.CutPrefix(or, "NOT "); ok {
				it.Not = true
				or = strings.TrimSpace(rest)
			}
			m := call.FindStringSubmatch(or)
			if m == nil {
				log.Error("invalid condition item", zap.String("item", or), zap.String("condition", expr))
				continue
			}
			kind, ok := kindsByName[strings.ToLower(m[1])]
			if !ok {
				log.Error("unknown condition", zap.String("item", or), zap.String("condition", expr))
				continue
			}
			it.Kind, it.Arg = kind, m[2]
			group = append(group, it)
		}
		groups = append(groups, group)
	}
	return groups
}

// Condition is one rule file.
type Condition struct {
	File               string   `yaml:"-"`
	Expression         string   `yaml:"condition"`
	Priority           int      `yaml:"priority"`
	Enable             bool     `yaml:"enable"`
	HeadEnable         bool     `yaml:"headEnable"`
	ProxyDetailFolder  []string `yaml:"proxyDetailFolder"`
	ProxyOverlayFolder []string `yaml:"proxyOverlayFolder"`

	groups [][]Item
}

// Default is the condition used when no rule matches.
func Default() Condition {
	return Condition{Enable: true, HeadEnable: true, groups: [][]Item{{{Kind: None}}}}
}

// Compile parses the expression. It is called by NewSet and Load.
func (c *Condition) Compile(log *zap.Logger) {
	c.groups = Parse(log, c.Expression)
}

// Groups returns the parsed AND-of-OR groups.
func (c *Condition) Groups() [][]Item { return c.groups }

// Matches evaluates the condition: every group needs one true item.
func (c *Condition) Matches(ch scene.Character) bool {
	for _, group := range c.groups {
		if !slices.ContainsFunc(group, func(it Item) bool {
			return predicates[it.Kind](ch, it.Arg) != it.Not
		}) {
			return false
		}
	}
	return true
}

// Set is an ordered list of conditions.
type Set struct {
	log   *zap.Logger
	conds []Condition
}

// NewSet compiles conds and orders them by descending priority. Equal
// priorities keep their given order.
func NewSet(log *zap.Logger, conds ...Condition) *Set {
	s := &Set{log: logger.OrNop(log), conds: slices.Clone(conds)}
	for i := range s.conds {
		s.conds[i].Compile(s.log)
	}
	sort.SliceStable(s.conds, func(i, j int) bool { return s.conds[i].Priority > s.conds[j].Priority })
	return s
}

// Load reads every .yaml or .yml file in dir as one condition. A missing
// directory yields an empty set.
func Load(log *zap.Logger, dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return NewSet(log), nil
	}
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read condition directory"), "dir", dir)
	}

	var conds []Condition
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		//nolint:gosec // Path comes from the configured condition directory
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to read condition file"), "path", path)
		}
		c := Default()
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to parse condition file"), "path", path)
		}
		c.File = path
		conds = append(conds, c)
	}
	return NewSet(log, conds...), nil
}

// Len returns the number of conditions.
func (s *Set) Len() int { return len(s.conds) }

// Match returns the highest-priority condition ch satisfies, or Default.
func (s *Set) Match(ch scene.Character) Condition {
	for _, c := range s.conds {
		if c.Matches(ch) {
			s.log.Debug("condition matched",
				zap.Uint32("character", ch.ID),
				zap.String("file", c.File),
				zap.Int("priority", c.Priority))
			return c
		}
	}
	return Default()
}
