// Package backoff computes retry delays. Every result is capped at Max.
package backoff

import "time"

// Max is the upper bound of every delay.
const Max = 24 * time.Hour

// Exponential returns min(Max, delay * multiplier^attempt).
// Negative inputs are treated as zero; a multiplier below 1 is treated as 1.
func Exponential(delay time.Duration, multiplier, attempt int) time.Duration {
	if delay <= 0 {
		return 0
	}
	if delay >= Max {
		return Max
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if attempt < 0 {
		attempt = 0
	}

	d := delay
	for i := 0; i < attempt; i++ {
		// d*multiplier > Max, checked without overflowing.
		if d > Max/time.Duration(multiplier) {
			return Max
		}
		d *= time.Duration(multiplier)
	}
	if d > Max {
		return Max
	}
	return d
}

// Linear returns min(Max, delay * attempt).
func Linear(delay time.Duration, attempt int) time.Duration {
	if delay <= 0 || attempt <= 0 {
		return 0
	}
	if delay > Max/time.Duration(attempt) {
		return Max
	}
	return min(Max, delay*time.Duration(attempt))
}
