package config

import (
	"fmt"
	"os"

	"copytrade/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Instruments - справочник инструментов по символу
type Instruments map[string]models.Instrument

// Get возвращает параметры инструмента или параметры по умолчанию
func (i Instruments) Get(symbol string) models.Instrument {
	if inst, ok := i[symbol]; ok {
		return inst
	}

	return models.DefaultInstrument(symbol)
}

type instrumentsFile struct {
	Instruments []struct {
		Symbol       string `yaml:"symbol"`
		ContractSize string `yaml:"contract_size"`
		LotStep      string `yaml:"lot_step"`
		MinSize      string `yaml:"min_size"`
		MarginRate   string `yaml:"margin_rate"`
	} `yaml:"instruments"`
}

// LoadInstruments читает YAML файл инструментов. Пустой путь - пустой справочник.
//
//	instruments:
//	  - symbol: BTC-PERP
//	    contract_size: 1
//	    lot_step: 0.001
//	    min_size: 0.001
//	    margin_rate: 0.1
func LoadInstruments(path string) (Instruments, error) {
	if path == "" {
		return Instruments{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments file: %w", err)
	}

	return ParseInstruments(data)
}

// ParseInstruments разбирает YAML со списком инструментов
func ParseInstruments(data []byte) (Instruments, error) {
	var file instrumentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse instruments: %w", err)
	}

	out := make(Instruments, len(file.Instruments))
	for _, raw := range file.Instruments {
		if raw.Symbol == "" {
			return nil, fmt.Errorf("instrument without symbol")
		}

		inst := models.DefaultInstrument(raw.Symbol)

		fields := []struct {
			name  string
			value string
			dst   *decimal.Decimal
		}{
			{"contract_size", raw.ContractSize, &inst.ContractSize},
			{"lot_step", raw.LotStep, &inst.LotStep},
			{"min_size", raw.MinSize, &inst.MinSize},
			{"margin_rate", raw.MarginRate, &inst.MarginRate},
		}

		for _, f := range fields {
			if f.value == "" {
				continue
			}

			d, err := decimal.NewFromString(f.value)
			if err != nil {
				return nil, fmt.Errorf("instrument %s: invalid %s: %w", raw.Symbol, f.name, err)
			}

			if d.IsNegative() {
				return nil, fmt.Errorf("instrument %s: negative %s", raw.Symbol, f.name)
			}

			*f.dst = d
		}

		if !inst.ContractSize.IsPositive() {
			return nil, fmt.Errorf("instrument %s: contract_size must be positive", raw.Symbol)
		}

		if !inst.LotStep.IsPositive() {
			return nil, fmt.Errorf("instrument %s: lot_step must be positive", raw.Symbol)
		}

		out[raw.Symbol] = inst
	}

	return out, nil
}
