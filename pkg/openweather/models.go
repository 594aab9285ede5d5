package openweather

// Coordinates is a point to query the provider for.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Reading is one combined weather and air-quality observation.
type Reading struct {
	TemperatureC float64
	PM10         float64
	PM25         float64
}

type weatherResponse struct {
	Name string `json:"name"`
	Main *struct {
		Temp     *float64 `json:"temp"`
		Humidity float64  `json:"humidity"`
		Pressure float64  `json:"pressure"`
	} `json:"main"`
}

type pollutionResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			AQI int `json:"aqi"`
		} `json:"main"`
		Components struct {
			CO   float64  `json:"co"`
			NO2  float64  `json:"no2"`
			O3   float64  `json:"o3"`
			PM10 *float64 `json:"pm10"`
			PM25 *float64 `json:"pm2_5"`
		} `json:"components"`
	} `json:"list"`
}
