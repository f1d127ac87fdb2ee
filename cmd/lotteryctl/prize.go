package main

import (
	"flag"
)

func runPrize(args []string) error {
	if len(args) < 1 {
		return configErrorf("prize requires a subcommand: upsert, list")
	}
	switch args[0] {
	case "upsert":
		return prizeUpsert(args[1:])
	case "list":
		return prizeList(args[1:])
	default:
		return configErrorf("unknown prize subcommand %q", args[0])
	}
}

func prizeUpsert(args []string) error {
	fs := flag.NewFlagSet("prize upsert", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	id := fs.String("id", "", "prize uuid (omit to create)")
	name := fs.String("name", "", "prize display name")
	tier := fs.String("tier", "", "reward tier: high, mid, low, fallback")
	weight := fs.Int64("weight", 0, "selection weight within the tier")
	value := fs.Int64("value", 0, "prize value in points")
	stock := fs.Int64("stock", -1, "remaining stock (-1 = unlimited)")
	dayCap := fs.Int64("day-cap", -1, "per-day award cap (-1 = uncapped)")
	status := fs.String("status", "active", "prize status")
	fs.Parse(args)

	if *campaign == "" || *name == "" || *tier == "" {
		return configErrorf("prize upsert requires -campaign, -name, and -tier")
	}
	if *weight < 0 || *value < 0 {
		return configErrorf("prize upsert requires non-negative -weight and -value")
	}

	prize := map[string]interface{}{
		"name":         *name,
		"tier":         *tier,
		"win_weight":   *weight,
		"value_points": *value,
		"status":       *status,
	}
	if *id != "" {
		prize["id"] = *id
	}
	if *stock >= 0 {
		prize["stock"] = *stock
	}
	if *dayCap >= 0 {
		prize["day_cap"] = *dayCap
	}

	params := campaignRef(*campaign)
	params["prize"] = prize
	result, err := callRPC("prize_upsert", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func prizeList(args []string) error {
	fs := flag.NewFlagSet("prize list", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	fs.Parse(args)

	if *campaign == "" {
		return configErrorf("prize list requires -campaign")
	}
	result, err := callRPC("prize_list", campaignRef(*campaign), true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func runQuota(args []string) error {
	if len(args) < 1 {
		return configErrorf("quota requires a subcommand: upsert, list")
	}
	switch args[0] {
	case "upsert":
		return quotaUpsert(args[1:])
	case "list":
		return quotaList(args[1:])
	default:
		return configErrorf("unknown quota subcommand %q", args[0])
	}
}

func quotaUpsert(args []string) error {
	fs := flag.NewFlagSet("quota upsert", flag.ExitOnError)
	scope := fs.String("scope", "", "rule scope: global, campaign, role, user")
	subject := fs.String("subject", "", "scope subject (campaign uuid, role name, or user id)")
	limit := fs.Int64("limit", 0, "daily draw limit")
	priority := fs.Int64("priority", 0, "resolution priority (higher wins)")
	fs.Parse(args)

	if *scope == "" {
		return configErrorf("quota upsert requires -scope")
	}
	if *scope != "global" && *subject == "" {
		return configErrorf("quota upsert requires -subject for non-global scopes")
	}
	if *limit <= 0 {
		return configErrorf("quota upsert requires a positive -limit")
	}

	result, err := callRPC("quota_upsert", map[string]interface{}{
		"rule": map[string]interface{}{
			"scope":       *scope,
			"subject":     *subject,
			"daily_limit": *limit,
			"priority":    *priority,
			"enabled":     true,
		},
	}, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func quotaList(args []string) error {
	fs := flag.NewFlagSet("quota list", flag.ExitOnError)
	fs.Parse(args)

	result, err := callRPC("quota_list", map[string]interface{}{}, true)
	if err != nil {
		return err
	}
	return printResult(result)
}
