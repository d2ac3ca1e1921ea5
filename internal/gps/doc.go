// Package gps reads NMEA from a USB or UART GNSS receiver.
//
// Every checksummed sentence is handed on verbatim. GGA and RMC are also
// decoded to track fix status and the latest position.
package gps
