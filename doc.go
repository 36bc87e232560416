// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ens160 controls a ScioSense ENS160 or ENS161 digital multi-gas
// sensor over I²C.
//
// The device reports an air quality index (UBA scale 1-5), a TVOC
// concentration in ppb and a CO2-equivalent concentration in ppm, along with
// the raw resistances of its sensing elements. Feed it the ambient
// temperature and relative humidity through the compensation setters to get
// the best readings.
//
// The device makes new output available at its own pace. Call Poll() to check
// for and decode fresh output, then LastReading() for the decoded values, or
// use SenseContinuous() to do the polling on a timer.
//
// # Datasheet
//
// https://www.sciosense.com/wp-content/uploads/2023/12/ENS160-Datasheet.pdf
package ens160
