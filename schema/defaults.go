package schema

// Default category schemas. These seed the registry when a source is
// registered by category and anchor detector category inference.

func strField(name string, required bool, description string) FieldSchema {
	return FieldSchema{Name: name, Type: TypeString, Required: required, Nullable: true, Description: description}
}

func floatField(name string, required bool, description string) FieldSchema {
	return FieldSchema{Name: name, Type: TypeFloat, Required: required, Nullable: true, Description: description}
}

var defaultSchemas = map[DataCategory]*Schema{
	CategoryNewsArticle: {
		Fields: []FieldSchema{
			strField("title", true, "article title"),
			strField("content", false, "article body"),
			strField("summary", false, "article summary"),
			{Name: "url", Type: TypeString, Nullable: true, Pattern: `^https?://`},
			{Name: "published_at", Type: TypeDatetime, Nullable: true, Description: "publication time"},
			strField("source", false, "publisher"),
			strField("author", false, "author"),
			strField("category", false, "category"),
			{Name: "tags", Type: TypeArray, Nullable: true, Description: "tags"},
			strField("content_hash", false, "content hash"),
		},
		Description:    "news article schema",
		DataCategory:   CategoryNewsArticle,
		CollectionName: "news_articles",
	},
	CategoryFinancialData: {
		Fields: []FieldSchema{
			strField("name", true, "instrument name"),
			strField("code", false, "instrument code"),
			floatField("price", false, "price"),
			floatField("change", false, "change"),
			floatField("change_rate", false, "change rate (%)"),
			{Name: "volume", Type: TypeInteger, Nullable: true, Description: "volume"},
			{Name: "trade_date", Type: TypeDate, Nullable: true, Description: "trade date"},
		},
		Description:    "financial data schema",
		DataCategory:   CategoryFinancialData,
		CollectionName: "financial_data",
	},
	CategoryStockPrice: {
		Fields: []FieldSchema{
			strField("stock_code", true, "ticker code"),
			strField("name", false, "instrument name"),
			floatField("price", true, "last price"),
			floatField("open", false, "open"),
			floatField("high", false, "high"),
			floatField("low", false, "low"),
			floatField("close", false, "close"),
			{Name: "volume", Type: TypeInteger, Nullable: true, Description: "volume"},
			floatField("change", false, "change"),
			floatField("change_rate", false, "change rate (%)"),
			floatField("market_cap", false, "market capitalization"),
			floatField("per", false, "PER"),
			floatField("pbr", false, "PBR"),
			{Name: "trade_date", Type: TypeDate, Nullable: true, Description: "trade date"},
		},
		Description:    "stock quote schema",
		DataCategory:   CategoryStockPrice,
		CollectionName: "stock_prices",
	},
	CategoryExchangeRate: {
		Fields: []FieldSchema{
			{Name: "currency_code", Type: TypeString, Required: true, Nullable: true, MaxLength: intPtr(3), Description: "currency code"},
			strField("currency_name", false, "currency name"),
			floatField("base_rate", false, "base rate"),
			floatField("buy_rate", false, "buy rate"),
			floatField("sell_rate", false, "sell rate"),
			floatField("send_rate", false, "outbound transfer rate"),
			floatField("receive_rate", false, "inbound transfer rate"),
			floatField("change", false, "change"),
			floatField("change_rate", false, "change rate (%)"),
			{Name: "trade_date", Type: TypeDate, Nullable: true, Description: "trade date"},
		},
		Description:    "exchange rate schema",
		DataCategory:   CategoryExchangeRate,
		CollectionName: "exchange_rates",
	},
	CategoryMarketIndex: {
		Fields: []FieldSchema{
			strField("index_code", true, "index code"),
			strField("name", false, "index name"),
			floatField("value", false, "index value"),
			floatField("change", false, "change"),
			floatField("change_rate", false, "change rate (%)"),
			floatField("open", false, "open"),
			floatField("high", false, "high"),
			floatField("low", false, "low"),
			{Name: "volume", Type: TypeInteger, Nullable: true, Description: "volume"},
			{Name: "trade_date", Type: TypeDate, Nullable: true, Description: "trade date"},
		},
		Description:    "market index schema",
		DataCategory:   CategoryMarketIndex,
		CollectionName: "market_indices",
	},
	CategoryAnnouncement: {
		Fields: []FieldSchema{
			strField("title", true, "announcement title"),
			strField("content", false, "announcement body"),
			strField("company_name", false, "company name"),
			strField("stock_code", false, "ticker code"),
			strField("announcement_type", false, "announcement type"),
			{Name: "published_at", Type: TypeDatetime, Nullable: true, Description: "publication time"},
			strField("url", false, "announcement URL"),
			strField("content_hash", false, "content hash"),
		},
		Description:    "corporate announcement schema",
		DataCategory:   CategoryAnnouncement,
		CollectionName: "announcements",
	},
	CategoryTableData: {
		Fields: []FieldSchema{
			strField("table_name", false, "table name"),
			{Name: "headers", Type: TypeArray, Nullable: true, Description: "header row"},
			{Name: "rows", Type: TypeArray, Nullable: true, Description: "data rows"},
			{Name: "extracted_at", Type: TypeDatetime, Nullable: true, Description: "extraction time"},
		},
		Description:    "tabular extraction schema",
		DataCategory:   CategoryTableData,
		CollectionName: "table_data",
	},
	CategoryGeneric: {
		Fields: []FieldSchema{
			{Name: "data", Type: TypeObject, Nullable: true, Description: "free-form payload"},
		},
		Description:    "generic schema",
		DataCategory:   CategoryGeneric,
		CollectionName: "generic_data",
	},
}

// DefaultSchema returns a copy of the category's default schema, falling
// back to generic.
func DefaultSchema(category DataCategory) *Schema {
	if s, ok := defaultSchemas[category]; ok {
		return s.Clone()
	}
	return defaultSchemas[CategoryGeneric].Clone()
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
