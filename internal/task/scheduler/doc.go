// Package scheduler fires recurring triggers (cron or fixed interval) that
// submit work to the task engine. It never runs jobs itself.
//
// The daemon registers one schedule: housekeeping (purge of overdue items
// plus a metrics summary), "@hourly" by default, at LOW priority.
package scheduler
