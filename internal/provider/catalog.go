package provider

import "github.com/aixgo-dev/signup-agent/pkg/discovery"

// Info describes a provider in the directory.
type Info struct {
	Ref        string
	Name       string
	City       string
	Activities []string
}

// Listing is a program plus what registering for it takes.
type Listing struct {
	discovery.Program
	Prereqs []string
	Fields  []string
}

var standardFields = []string{"child_name", "child_dob", "emergency_contact"}

// DefaultProviders are the providers the simulator serves out of the box.
func DefaultProviders() []Info {
	return []Info{
		{Ref: "skiclubpro", Name: "Blackhawk Ski Club", City: "Middleton, WI", Activities: []string{"ski", "snowboard"}},
		{Ref: "daysmart", Name: "DaySmart Rec Center", City: "Madison, WI", Activities: []string{"hockey", "swim"}},
		{Ref: "campminder", Name: "Camp Minder Summer", City: "Verona, WI", Activities: []string{"soccer", "art", "camp"}},
	}
}

// DefaultListings returns the programs each default provider offers.
func DefaultListings() map[string][]Listing {
	return map[string][]Listing{
		"skiclubpro": {
			{Program: discovery.Program{Ref: "ski-nordic-kids", Title: "Nordic Kids", Category: "ski", AgeMin: 6, AgeMax: 10, Schedule: "saturday morning", PriceCent: 15000, Spots: 12},
				Prereqs: []string{"membership"}, Fields: standardFields},
			{Program: discovery.Program{Ref: "ski-alpine-teens", Title: "Alpine Teens", Category: "ski", AgeMin: 11, AgeMax: 17, Schedule: "sunday afternoon", PriceCent: 22500, Spots: 0},
				Prereqs: []string{"membership"}, Fields: standardFields},
			{Program: discovery.Program{Ref: "ski-racing-devo", Title: "Racing Development", Category: "ski", AgeMin: 8, AgeMax: 14, Schedule: "sunday morning", PriceCent: 32000, Spots: 4},
				Prereqs: []string{"membership"}, Fields: standardFields},
			{Program: discovery.Program{Ref: "snowboard-intro", Title: "Intro to Snowboard", Category: "snowboard", AgeMin: 8, AgeMax: 14, Schedule: "saturday afternoon", PriceCent: 18000, Spots: 6},
				Fields: standardFields},
		},
		"daysmart": {
			{Program: discovery.Program{Ref: "hockey-learn-to-skate", Title: "Learn to Skate", Category: "hockey", AgeMin: 4, AgeMax: 8, Schedule: "sunday morning", PriceCent: 9500, Spots: 20},
				Fields: []string{"child_name", "child_dob"}},
			{Program: discovery.Program{Ref: "hockey-mites", Title: "Mites Hockey", Category: "hockey", AgeMin: 7, AgeMax: 9, Schedule: "tuesday evening", PriceCent: 30000, Spots: 10},
				Prereqs: []string{"usa_hockey_registration"}, Fields: standardFields},
			{Program: discovery.Program{Ref: "swim-level-1", Title: "Swim Level 1", Category: "swim", AgeMin: 5, AgeMax: 9, Schedule: "saturday morning", PriceCent: 8000, Spots: 8},
				Fields: []string{"child_name", "child_dob"}},
		},
		"campminder": {
			{Program: discovery.Program{Ref: "soccer-day-camp", Title: "Soccer Day Camp", Category: "soccer", AgeMin: 6, AgeMax: 12, Schedule: "weekday mornings", PriceCent: 25000, Spots: 30},
				Fields: standardFields},
			{Program: discovery.Program{Ref: "art-studio-camp", Title: "Art Studio Camp", Category: "art", AgeMin: 7, AgeMax: 13, Schedule: "weekday afternoons", PriceCent: 21000, Spots: 15},
				Fields: standardFields},
			{Program: discovery.Program{Ref: "summer-adventure", Title: "Summer Adventure Camp", Category: "camp", AgeMin: 8, AgeMax: 14, Schedule: "weekdays", PriceCent: 45000, Spots: 25},
				Prereqs: []string{"medical_form"}, Fields: standardFields},
		},
	}
}
