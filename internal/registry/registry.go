// Package registry 品种注册表: 内部代码 <-> 上游代码映射以及每个品种的精度规则。
// 构造完成后只读，可以被任意 goroutine 并发访问。
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"market-feed/internal/model"
)

// DefaultDecimals 未知品种的默认精度
const DefaultDecimals = 5

var ErrNotFound = errors.New("instrument not found")

// Registry 品种注册表
type Registry struct {
	bySymbol   map[string]model.Instrument
	byProvider map[string]string // providerCode -> symbol
	ordered    []model.Instrument
}

// New 根据品种列表构造注册表，代码重复或精度非法时返回错误
func New(instruments []model.Instrument) (*Registry, error) {
	r := &Registry{
		bySymbol:   make(map[string]model.Instrument, len(instruments)),
		byProvider: make(map[string]string, len(instruments)),
		ordered:    make([]model.Instrument, 0, len(instruments)),
	}
	for _, inst := range instruments {
		inst.Symbol = strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if inst.Symbol == "" {
			return nil, fmt.Errorf("instrument with empty symbol")
		}
		if inst.ProviderCode == "" {
			inst.ProviderCode = inst.Symbol
		}
		if inst.DecimalPlaces < 0 || inst.DecimalPlaces > 10 {
			return nil, fmt.Errorf("instrument %s: invalid decimal places %d", inst.Symbol, inst.DecimalPlaces)
		}
		if inst.DisplayName == "" {
			inst.DisplayName = inst.Symbol
		}
		if _, dup := r.bySymbol[inst.Symbol]; dup {
			return nil, fmt.Errorf("duplicate instrument symbol %s", inst.Symbol)
		}
		code := strings.ToUpper(inst.ProviderCode)
		if _, dup := r.byProvider[code]; dup {
			return nil, fmt.Errorf("duplicate provider code %s", inst.ProviderCode)
		}
		r.bySymbol[inst.Symbol] = inst
		r.byProvider[code] = inst.Symbol
		r.ordered = append(r.ordered, inst)
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].Symbol < r.ordered[j].Symbol })
	return r, nil
}

// Default 内置品种表
func Default() *Registry {
	r, err := New(builtinInstruments)
	if err != nil {
		// 内置表是常量，出错说明代码本身有问题
		panic(err)
	}
	return r
}

type instrumentFile struct {
	Instruments []model.Instrument `yaml:"instruments"`
}

// LoadFile 从 YAML 文件加载品种表
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}
	var f instrumentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instruments file: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, fmt.Errorf("instruments file %s has no instruments", path)
	}
	return New(f.Instruments)
}

// Resolve 查找品种
func (r *Registry) Resolve(symbol string) (model.Instrument, error) {
	inst, ok := r.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return inst, nil
}

// ProviderCodeOf 内部代码 -> 上游代码
func (r *Registry) ProviderCodeOf(symbol string) (string, bool) {
	inst, ok := r.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return "", false
	}
	return inst.ProviderCode, true
}

// SymbolOfProviderCode 上游代码 -> 内部代码
func (r *Registry) SymbolOfProviderCode(code string) (string, bool) {
	symbol, ok := r.byProvider[strings.ToUpper(code)]
	return symbol, ok
}

func (r *Registry) IsSupported(symbol string) bool {
	_, ok := r.bySymbol[strings.ToUpper(symbol)]
	return ok
}

// DecimalsOf 品种精度，未知品种返回 DefaultDecimals
func (r *Registry) DecimalsOf(symbol string) int {
	inst, ok := r.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return DefaultDecimals
	}
	return inst.DecimalPlaces
}

// All 按代码排序的全部品种 (返回副本)
func (r *Registry) All() []model.Instrument {
	out := make([]model.Instrument, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Symbols() []string {
	out := make([]string, len(r.ordered))
	for i, inst := range r.ordered {
		out[i] = inst.Symbol
	}
	return out
}

func (r *Registry) ProviderCodes() []string {
	out := make([]string, len(r.ordered))
	for i, inst := range r.ordered {
		out[i] = inst.ProviderCode
	}
	return out
}
