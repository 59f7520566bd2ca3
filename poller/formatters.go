package poller

// Builtin row formatters. Raw rows from the API use several generations of
// field names; each formatter picks the first one present.

func formatCampaign(row Row, fc FormatContext) Row {
	id := str(first(row, "id", "campaignCode", "campaign_id"))

	budget := number(row["budget"])
	if budget == nil {
		budget = number(row["dailyBudgetLocal"])
	}

	var pin any
	if p, ok := fc.Run.Pins[id]; ok && p != "" {
		pin = p
	}

	return Row{
		"campaign_id":   nilIfEmpty(id),
		"campaign_name": first(row, "name", "campaignName", "campaign_name"),
		"campaign_type": fc.Group,
		"ad_type":       adType(row),
		"pricing_model": first(row, "pricing_model"),
		"start_date":    first(row, "start_date", "localStartDate"),
		"end_date":      first(row, "end_date", "localEndDate"),
		"budget":        budget,
		"daily_budget":  first(row, "daily_budget"),
		"cpm_bid":       first(row, "cpm_bid"),
		"status":        row["status"],
		"created_by":    first(row, "created_by"),
		"pin":           pin,
		"account_id":    fc.StoreKey,
		"account":       brand(fc),
		"created_on":    nilIfEmpty(fc.CreatedOn),
		"entity_type":   "Campaign",
	}
}

func formatProduct(row Row, fc FormatContext) Row {
	out := campaignFields(fc)
	out["product_name"] = first(row, "name", "productName")
	out["product_id"] = first(row, "master_product_code", "id", "sku", "product_id")
	out["image"] = first(row, "image_url", "image")
	out["status"] = "active"
	out["entity_type"] = "Product"
	return out
}

func formatKeyword(row Row, fc FormatContext) Row {
	out := campaignFields(fc)
	out["keyword"] = first(row, "keyword", "targetValue")
	out["status"] = "active"
	out["bid"] = first(fc.Campaign, "bid")
	out["entity_type"] = "Keyword"
	return out
}

func formatCategory(row Row, fc FormatContext) Row {
	out := campaignFields(fc)
	out["category"] = first(row, "name", "slotPlacement", "placement")
	out["category_id"] = first(row, "id")
	out["entity_type"] = "Category"
	return out
}

func formatSlot(row Row, fc FormatContext) Row {
	out := campaignFields(fc)
	out["slot"] = first(row, "slot")
	out["entity_type"] = "Slot"
	return out
}

func formatCampaignAttribution(row Row, fc FormatContext) Row {
	out := Row{
		"campaign_id":   nilIfEmpty(str(first(row, "id", "campaignCode", "campaign_id"))),
		"campaign_name": first(row, "name", "campaignName", "campaign_name"),
		"campaign_type": fc.Group,
		"ad_type":       adType(row),
		"account_id":    fc.StoreKey,
		"account":       brand(fc),
		"created_on":    nilIfEmpty(fc.CreatedOn),
		"entity_type":   "Campaign",
	}
	addMetrics(out, row)
	return out
}

func formatProductAttribution(row Row, fc FormatContext) Row {
	out := formatProduct(row, fc)
	delete(out, "status")
	delete(out, "image")
	addMetrics(out, row)
	return out
}

func formatKeywordAttribution(row Row, fc FormatContext) Row {
	out := campaignFields(fc)
	out["keyword"] = first(row, "keyword", "targetValue")
	out["entity_type"] = "Keyword"
	addMetrics(out, row)
	return out
}

func formatCategoryAttribution(row Row, fc FormatContext) Row {
	out := formatCategory(row, fc)
	addMetrics(out, row)
	return out
}

func formatSlotAttribution(row Row, fc FormatContext) Row {
	out := formatSlot(row, fc)
	addMetrics(out, row)
	return out
}

// campaignFields copies the parent campaign's identity onto a child row
func campaignFields(fc FormatContext) Row {
	c := fc.Campaign
	return Row{
		"campaign_id":   first(c, "campaign_id"),
		"campaign_name": first(c, "campaign_name"),
		"campaign_type": c["campaign_type"],
		"ad_type":       first(c, "ad_type"),
		"account_id":    first(c, "account_id"),
		"account":       first(c, "account"),
		"created_on":    nilIfEmpty(fc.CreatedOn),
	}
}

func addMetrics(out, row Row) {
	p, _ := row["performance"].(map[string]any)
	out["clicks"] = orZero(p["clicks"])
	out["impressions"] = orZero(p["impressions"])
	out["orders"] = orZero(p["orders"])
	out["sales"] = orZero(p["sales_revenue"])
	out["spend"] = orZero(p["total_ad_spend"])
	out["unit_sold"] = orZero(p["unit_sold"])
}

func adType(row Row) any {
	if v := first(row, "ad_type"); v != nil {
		return v
	}
	if types, ok := row["ad_types"].([]any); ok && len(types) > 0 && truthy(types[0]) {
		return types[0]
	}
	return first(row, "type")
}

func brand(fc FormatContext) any {
	if b, ok := fc.Run.Brands[fc.StoreKey]; ok && b != "" {
		return b
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
