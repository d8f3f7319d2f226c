package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator 封装 go-playground/validator
type Validator struct {
	validate *validator.Validate
}

// NewValidator 创建校验器
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate 按 validate 标签校验结构体
func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	messages := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		messages = append(messages, fmt.Sprintf("字段 '%s' 未通过校验: %s (值: '%v')", e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("validation failed:\n  %s", strings.Join(messages, "\n  "))
}

// ValidateConfig 校验字段约束和布局中的交叉引用
func ValidateConfig(cfg *Config) error {
	if err := NewValidator().Validate(cfg); err != nil {
		return err
	}
	return validateLayout(cfg)
}

// validateLayout 检查 ID 唯一、引用存在以及连线方向合法
func validateLayout(cfg *Config) error {
	var errs []error

	recipes := make(map[string]bool, len(cfg.Recipes))
	for i := range cfg.Recipes {
		r := &cfg.Recipes[i]
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
		if recipes[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate recipe id %s", r.ID))
		}
		recipes[r.ID] = true
	}

	containers := make(map[string]bool, len(cfg.Containers))
	for _, c := range cfg.Containers {
		if containers[c.ID] {
			errs = append(errs, fmt.Errorf("duplicate container id %s", c.ID))
		}
		containers[c.ID] = true
	}

	stations := make(map[string]bool, len(cfg.Stations))
	for _, s := range cfg.Stations {
		if stations[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate station id %s", s.ID))
		}
		stations[s.ID] = true
		for _, ref := range []string{s.Input, s.Output} {
			if !containers[ref] {
				errs = append(errs, fmt.Errorf("station %s: unknown container %s", s.ID, ref))
			}
		}
		for _, id := range s.Queue {
			if !recipes[id] {
				errs = append(errs, fmt.Errorf("station %s: unknown recipe %s", s.ID, id))
			}
		}
	}

	segments := make(map[string]bool, len(cfg.Segments))
	for _, s := range cfg.Segments {
		if segments[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate segment id %s", s.ID))
		}
		segments[s.ID] = true
	}
	exists := func(e Endpoint) bool {
		if e.Kind == "segment" {
			return segments[e.ID]
		}
		return containers[e.ID]
	}
	for _, s := range cfg.Segments {
		if s.Input != nil {
			if s.Input.Kind != "container" {
				errs = append(errs, fmt.Errorf("segment %s: input must be a container, link belts through the upstream output", s.ID))
			} else if !exists(*s.Input) {
				errs = append(errs, fmt.Errorf("segment %s: unknown input %s", s.ID, s.Input.ID))
			}
		}
		if s.Output != nil {
			if !exists(*s.Output) {
				errs = append(errs, fmt.Errorf("segment %s: unknown output %s %s", s.ID, s.Output.Kind, s.Output.ID))
			}
			if s.Output.Kind == "segment" && s.Output.ID == s.ID {
				errs = append(errs, fmt.Errorf("segment %s: output loops to itself", s.ID))
			}
		}
	}

	routers := make(map[string]bool, len(cfg.Routers))
	for _, r := range cfg.Routers {
		if routers[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate router id %s", r.ID))
		}
		routers[r.ID] = true
		if !exists(r.Input) {
			errs = append(errs, fmt.Errorf("router %s: unknown input %s %s", r.ID, r.Input.Kind, r.Input.ID))
		}
		for i, out := range r.Outputs {
			if !exists(out.Endpoint) {
				errs = append(errs, fmt.Errorf("router %s: output %d unknown %s %s", r.ID, i, out.Kind, out.ID))
			}
		}
	}

	registered := make(map[string]bool, len(cfg.Storages))
	for _, s := range cfg.Storages {
		if !containers[s.Container] {
			errs = append(errs, fmt.Errorf("storage: unknown container %s", s.Container))
		}
		if registered[s.Container] {
			errs = append(errs, fmt.Errorf("storage: container %s registered twice", s.Container))
		}
		registered[s.Container] = true
	}

	return errors.Join(errs...)
}
