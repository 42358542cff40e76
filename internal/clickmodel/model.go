// Package clickmodel maps relevance grades to the click and stop
// probabilities of a cascade user model.
package clickmodel

import (
	"fmt"

	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

// Model holds click and stop probabilities indexed by relevance grade.
// Grades above the highest configured grade use the highest entry; negative
// grades use grade 0.
type Model struct {
	Click []float64
	Stop  []float64
}

// Default returns the tables used by the reference site simulator.
func Default() Model {
	return Model{
		Click: []float64{0.05, 0.5, 0.95},
		Stop:  []float64{0.2, 0.5, 0.9},
	}
}

// New builds a model and validates it.
func New(click, stop []float64) (Model, error) {
	m := Model{
		Click: append([]float64(nil), click...),
		Stop:  append([]float64(nil), stop...),
	}
	if err := m.Validate(); err != nil {
		return Model{}, err
	}
	return m, nil
}

// Validate checks that both tables cover the same grades, hold
// probabilities, and never decrease as the grade increases.
func (m Model) Validate() error {
	if len(m.Click) == 0 || len(m.Stop) == 0 {
		return apperrors.ConfigurationError("click model tables must not be empty")
	}
	if len(m.Click) != len(m.Stop) {
		return apperrors.ConfigurationError(fmt.Sprintf(
			"click model tables cover different grades: click=%d stop=%d", len(m.Click), len(m.Stop)))
	}
	if err := checkTable("click", m.Click); err != nil {
		return err
	}
	return checkTable("stop", m.Stop)
}

func checkTable(name string, table []float64) error {
	for grade, p := range table {
		if !(p >= 0 && p <= 1) {
			return apperrors.ConfigurationError(fmt.Sprintf("%s probability for grade %d is %v, outside [0,1]", name, grade, p))
		}
		if grade > 0 && p < table[grade-1] {
			return apperrors.ConfigurationError(fmt.Sprintf("%s probability decreases at grade %d", name, grade))
		}
	}
	return nil
}

// ClickProbability returns the probability that a user examining a document
// of the given grade clicks it.
func (m Model) ClickProbability(grade int) float64 {
	return lookup(m.Click, grade)
}

// StopProbability returns the probability that a user stops scanning right
// after clicking a document of the given grade.
func (m Model) StopProbability(grade int) float64 {
	return lookup(m.Stop, grade)
}

func lookup(table []float64, grade int) float64 {
	if len(table) == 0 {
		return 0
	}
	if grade < 0 {
		grade = 0
	}
	if grade >= len(table) {
		grade = len(table) - 1
	}
	return table[grade]
}
