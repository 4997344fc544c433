// Package guide renders the scraped schedule as an XMLTV document.
package guide

import (
	"encoding/xml"
	"strings"
	"time"

	"dlhd-proxy/work/directory"
	"dlhd-proxy/work/logger"
	"dlhd-proxy/work/schedule"
)

const (
	xmltvTimeLayout = "20060102150405 -0700"
	dayLayout       = "02-01-2006"
	eventLayout     = "15:04"

	// events carry no end time upstream; give each a fixed slot
	defaultSlot = time.Hour
)

type tvXML struct {
	XMLName    xml.Name       `xml:"tv"`
	Generator  string         `xml:"generator-info-name,attr"`
	Channels   []channelXML   `xml:"channel"`
	Programmes []programmeXML `xml:"programme"`
}

type channelXML struct {
	ID          string   `xml:"id,attr"`
	DisplayName string   `xml:"display-name"`
	Icon        *iconXML `xml:"icon,omitempty"`
}

type iconXML struct {
	Src string `xml:"src,attr"`
}

type programmeXML struct {
	Start    string `xml:"start,attr"`
	Stop     string `xml:"stop,attr"`
	Channel  string `xml:"channel,attr"`
	Title    string `xml:"title"`
	Category string `xml:"category,omitempty"`
}

// Generate builds an XMLTV guide from the schedule. Display names come from
// the channel directory (so enumerated duplicates keep their distinct
// names); schedule-only channels fall back to their scraped name. A
// non-empty selected set restricts the guide to those channel ids.
func Generate(sched schedule.Schedule, channels []directory.Channel, selected map[string]bool, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}

	byID := make(map[string]directory.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	doc := tvXML{Generator: "dlhd-proxy"}
	seen := map[string]bool{}

	addChannel := func(ec schedule.EventChannel) bool {
		if len(selected) > 0 && !selected[ec.ID] {
			return false
		}
		if !seen[ec.ID] {
			seen[ec.ID] = true
			entry := channelXML{ID: ec.ID, DisplayName: ec.Name}
			if ch, ok := byID[ec.ID]; ok {
				entry.DisplayName = ch.Name
				if ch.Logo != "" {
					entry.Icon = &iconXML{Src: ch.Logo}
				}
			}
			doc.Channels = append(doc.Channels, entry)
		}
		return true
	}

	for _, day := range sched {
		dayDate := parseDayDate(day.Name, loc)
		for _, category := range day.Categories {
			for _, event := range category.Events {
				start := eventStart(dayDate, event.Time, loc)
				stop := start.Add(defaultSlot)
				for _, ec := range append(event.Channels, event.AltChannels...) {
					if !addChannel(ec) {
						continue
					}
					doc.Programmes = append(doc.Programmes, programmeXML{
						Start:    start.Format(xmltvTimeLayout),
						Stop:     stop.Format(xmltvTimeLayout),
						Channel:  ec.ID,
						Title:    event.Title,
						Category: category.Name,
					})
				}
			}
		}
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// parseDayDate pulls the date out of a schedule day title such as
// "01-01-2024 - Monday". Unparseable titles fall back to today.
func parseDayDate(dayName string, loc *time.Location) time.Time {
	datePart := strings.TrimSpace(strings.SplitN(dayName, " - ", 2)[0])
	if t, err := time.ParseInLocation(dayLayout, datePart, loc); err == nil {
		return t
	}
	logger.Debug("{guide - parseDayDate} unparseable day title %q, using today", dayName)
	now := time.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
}

// eventStart combines a day date with an "HH:MM" event time.
func eventStart(day time.Time, eventTime string, loc *time.Location) time.Time {
	t, err := time.ParseInLocation(eventLayout, strings.TrimSpace(eventTime), loc)
	if err != nil {
		return day
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}
